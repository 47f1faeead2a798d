package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/cache"
	"github.com/san-kum/palm-detector/server/middleware"
	"github.com/san-kum/palm-detector/server/models"
	"github.com/san-kum/palm-detector/server/processor"
	"go.uber.org/zap"
)

const uploadField = "file"

type DetectionService interface {
	Detect(ctx context.Context, req *models.DetectionRequest) (*models.DetectionResponse, error)
	GetStats() *processor.ProcessorStats
	GetQueueStats() processor.QueueStats
}

type ModelInfoProvider interface {
	GetModelInfo(ctx context.Context) (map[string]interface{}, error)
	HealthCheck(ctx context.Context) error
}

// RequestLimiter is the per-client budget shared by HTTP routes and
// websocket messages.
type RequestLimiter interface {
	Allow(ctx context.Context, client string) (bool, time.Duration)
	GetGlobalStats() map[string]interface{}
}

type DetectHandler struct {
	pipeline DetectionService
	model    ModelInfoProvider
	store    cache.Cache
	limiter  RequestLimiter
	logger   *zap.Logger
}

func NewDetectHandler(pipeline DetectionService, model ModelInfoProvider, store cache.Cache, limiter RequestLimiter, logger *zap.Logger) *DetectHandler {
	return &DetectHandler{
		pipeline: pipeline,
		model:    model,
		store:    store,
		limiter:  limiter,
		logger:   logger,
	}
}

// Detect handles POST /detect with the image in the multipart field "file".
func (h *DetectHandler) Detect(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		respondError(c, h.logger, models.ErrMissingCredential)
		return
	}

	header, err := c.FormFile(uploadField)
	if err != nil {
		if middleware.IsTooLarge(err) {
			respondError(c, h.logger, models.NewError(models.KindRequestTooLarge, "request body too large", err))
			return
		}
		respondError(c, h.logger, models.NewError(models.KindInvalidImage, "no file uploaded", err))
		return
	}

	file, err := header.Open()
	if err != nil {
		respondError(c, h.logger, models.Wrap(models.ErrInvalidImage, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, h.logger, models.Wrap(models.ErrInvalidImage, err))
		return
	}

	resp, err := h.pipeline.Detect(c.Request.Context(), &models.DetectionRequest{
		Principal:   principal,
		Data:        data,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *DetectHandler) GetStats(c *gin.Context) {
	processorStats := h.pipeline.GetStats()

	var successRate float64
	if processorStats.TotalProcessed > 0 {
		successRate = float64(processorStats.SuccessfullyProcessed) / float64(processorStats.TotalProcessed) * 100
	}

	response := gin.H{
		"processor": processorStats,
		"queue":     h.pipeline.GetQueueStats(),
		"metrics": gin.H{
			"success_rate":   successRate,
			"uptime_seconds": time.Since(processorStats.StartTime).Seconds(),
		},
	}

	if h.store != nil {
		cacheStats, err := h.store.GetStats(c.Request.Context())
		if err != nil {
			h.logger.Warn("Failed to read cache stats", zap.Error(err))
		} else {
			response["cache"] = cacheStats
		}
	}

	if h.limiter != nil {
		response["rate_limit"] = h.limiter.GetGlobalStats()
	}

	c.JSON(http.StatusOK, response)
}

func (h *DetectHandler) GetModelInfo(c *gin.Context) {
	info, err := h.model.GetModelInfo(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, models.Wrap(models.ErrInferenceFailure, err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// Health reports liveness of this service and of the inference service
// behind it. The service stays "healthy" while the model is unreachable;
// detections will fail with INFERENCE_FAILURE until it returns.
func (h *DetectHandler) Health(c *gin.Context) {
	model := "up"
	if err := h.model.HealthCheck(c.Request.Context()); err != nil {
		model = "down"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "palm-detector",
		"model":     model,
		"queue":     h.pipeline.GetQueueStats(),
	})
}

// respondError writes the error envelope. Server-side failures are logged
// with their cause; client errors are not.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := middleware.StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	middleware.AbortWithError(c, err)
}
