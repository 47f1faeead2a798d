package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/palm-detector/server/labels"
	"github.com/san-kum/palm-detector/server/metrics"
	"github.com/san-kum/palm-detector/server/models"
	"github.com/san-kum/palm-detector/server/storage"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	ResultPrefix = "result_"

	// DefaultMaxImagePixels bounds what a decoded upload may cost in memory.
	DefaultMaxImagePixels = 50_000_000
)

// Detector is the pretrained model behind the pipeline. Implementations must
// be safe for concurrent use and deterministic for a fixed input.
type Detector interface {
	Infer(ctx context.Context, imagePath string) ([]models.Detection, error)
	RenderAnnotated(ctx context.Context, imagePath string, detections []models.Detection) ([]byte, error)
}

type WorkspaceResolver interface {
	Resolve(principal *models.Principal) (*models.Workspace, error)
}

type Pipeline struct {
	detector Detector
	resolver WorkspaceResolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
	queue    *ProcessingQueue
	config   *PipelineConfig
	stats    *ProcessorStats
	mutex    sync.RWMutex
	newID    func() string
}

type PipelineConfig struct {
	MaxQueueSize     int
	MaxWorkers       int
	InferenceTimeout time.Duration
	MaxImagePixels   int64
}

type ProcessorStats struct {
	StartTime             time.Time `json:"start_time"`
	TotalProcessed        int64     `json:"total_processed"`
	SuccessfullyProcessed int64     `json:"successfully_processed"`
	FailedProcessed       int64     `json:"failed_processed"`
	AverageLatency        float64   `json:"average_latency_ms"`
	QueueSize             int       `json:"queue_size"`
	ActiveWorkers         int       `json:"active_workers"`
}

func NewPipeline(detector Detector, resolver WorkspaceResolver, config *PipelineConfig, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if config == nil {
		config = &PipelineConfig{
			MaxQueueSize:     32,
			MaxWorkers:       2,
			InferenceTimeout: 60 * time.Second,
		}
	}
	if config.MaxImagePixels <= 0 {
		config.MaxImagePixels = DefaultMaxImagePixels
	}

	p := &Pipeline{
		detector: detector,
		resolver: resolver,
		logger:   logger,
		metrics:  m,
		config:   config,
		stats: &ProcessorStats{
			StartTime:     time.Now(),
			ActiveWorkers: config.MaxWorkers,
		},
		newID: uuid.NewString,
	}

	p.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, p.processItem)

	return p
}

// Detect runs one request through validation, persistence, inference,
// rendering and label writing. Invalid images never touch the filesystem.
func (p *Pipeline) Detect(ctx context.Context, req *models.DetectionRequest) (*models.DetectionResponse, error) {
	startTime := time.Now()
	stage := func(s models.Stage) {
		if req.OnStage != nil {
			req.OnStage(s)
		}
	}
	stage(models.StageReceived)

	resp, objects, err := p.run(ctx, req, stage)
	if err != nil {
		stage(models.StageFailed)
		p.recordFailure(err)
		return nil, err
	}

	stage(models.StageDone)
	p.recordSuccess(time.Since(startTime), objects)
	return resp, nil
}

func (p *Pipeline) run(ctx context.Context, req *models.DetectionRequest, stage func(models.Stage)) (*models.DetectionResponse, int, error) {
	if req.Principal == nil || req.Principal.Email == "" {
		return nil, 0, models.ErrInvalidCredential
	}

	stage(models.StageValidatingImage)
	filename, err := SanitizeFilename(req.Filename)
	if err != nil {
		return nil, 0, err
	}
	if err := ValidateImage(req.Data, p.config.MaxImagePixels); err != nil {
		return nil, 0, err
	}
	if req.ContentType != "" && !strings.HasPrefix(req.ContentType, "image/") {
		p.logger.Debug("Declared content type is not an image, decoded anyway",
			zap.String("content_type", req.ContentType))
	}

	stage(models.StagePersistingInput)
	ws, err := p.resolver.Resolve(req.Principal)
	if err != nil {
		return nil, 0, asKind(err, models.ErrStorageFailure)
	}

	if req.ID == "" {
		req.ID = p.newID()
	}
	if !storage.ValidSegment(req.ID) {
		return nil, 0, models.NewError(models.KindBadRequest, "invalid request id", nil)
	}

	storedName := req.ID + "_" + filename
	uploadPath := filepath.Join(ws.UploadDir, storedName)
	if err := writeNew(uploadPath, req.Data); err != nil {
		return nil, 0, models.Wrap(models.ErrStorageFailure, err)
	}

	resultPath := filepath.Join(ws.ResultDir, ResultPrefix+storedName)
	labelPath := filepath.Join(ws.ResultDir, labels.FileName(storedName))

	stage(models.StageDetecting)
	detections, err := p.infer(ctx, uploadPath)
	if err != nil {
		return nil, 0, err
	}

	stage(models.StageRenderingResult)
	annotated, err := p.detector.RenderAnnotated(ctx, uploadPath, detections)
	if err != nil {
		return nil, 0, asKind(err, models.ErrInferenceFailure)
	}
	if err := writeNew(resultPath, annotated); err != nil {
		return nil, 0, models.Wrap(models.ErrStorageFailure, err)
	}

	stage(models.StageWritingLabels)
	if err := labels.WriteFile(labelPath, detections); err != nil {
		// A result image without its labels is not a valid result.
		os.Remove(resultPath)
		return nil, 0, models.Wrap(models.ErrStorageFailure, err)
	}

	p.logger.Info("Detection completed",
		zap.String("namespace", ws.Namespace),
		zap.Int("detections", len(detections)))

	return &models.DetectionResponse{
		ResultImage: resultPath,
		LabelFile:   labelPath,
		User:        req.Principal.Email,
	}, len(detections), nil
}

func (p *Pipeline) infer(ctx context.Context, imagePath string) ([]models.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.InferenceTimeout)
	defer cancel()

	item := &QueueItem{
		Ctx:        ctx,
		ImagePath:  imagePath,
		ResultChan: make(chan *ProcessingResult, 1),
		StartTime:  time.Now(),
	}

	if !p.queue.Enqueue(item) {
		return nil, models.NewError(models.KindInferenceFailure, "detector busy, try again later", nil)
	}
	p.metrics.SetQueueDepth(p.queue.Size())

	select {
	case result := <-item.ResultChan:
		if result.Error != nil {
			return nil, asKind(result.Error, models.ErrInferenceFailure)
		}
		return result.Detections, nil
	case <-ctx.Done():
		return nil, models.Wrap(models.ErrInferenceFailure, ctx.Err())
	}
}

func (p *Pipeline) processItem(item *QueueItem) {
	p.metrics.SetQueueDepth(p.queue.Size())

	detections, err := p.detector.Infer(item.Ctx, item.ImagePath)
	item.reply(&ProcessingResult{Detections: detections, Error: err})
}

// ValidateImage decodes only the image header; the data is left untouched.
// Images above maxPixels are rejected before anything decodes them fully.
func ValidateImage(data []byte, maxPixels int64) error {
	if len(data) == 0 {
		return models.NewError(models.KindInvalidImage, "empty image file", nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.Wrap(models.ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return models.NewError(models.KindInvalidImage, "image has no pixels", nil)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return models.NewError(models.KindInvalidImage,
			fmt.Sprintf("image is too large (%dx%d)", cfg.Width, cfg.Height), nil)
	}
	return nil
}

// SanitizeFilename reduces a client supplied name to a single path segment.
func SanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if !storage.ValidSegment(base) {
		return "", models.NewError(models.KindInvalidImage, "invalid file name", nil)
	}
	return base, nil
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func asKind(err error, kind *models.Error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.Wrap(kind, err)
}

func (p *Pipeline) recordSuccess(latency time.Duration, objects int) {
	p.mutex.Lock()
	p.stats.TotalProcessed++
	p.stats.SuccessfullyProcessed++
	p.updateLatencyStats(latency)
	p.mutex.Unlock()

	p.metrics.ObserveDetection("success", latency, objects)
}

func (p *Pipeline) recordFailure(err error) {
	p.mutex.Lock()
	p.stats.TotalProcessed++
	p.stats.FailedProcessed++
	p.mutex.Unlock()

	outcome := strings.ToLower(string(models.KindOf(err)))
	if outcome == "" {
		outcome = "error"
	}
	p.metrics.ObserveDetection(outcome, 0, 0)

	var e *models.Error
	if errors.As(err, &e) && (e.Kind == models.KindInferenceFailure || e.Kind == models.KindStorageFailure) {
		p.logger.Error("Detection failed", zap.Error(err))
	} else {
		p.logger.Debug("Detection rejected", zap.Error(err))
	}
}

func (p *Pipeline) updateLatencyStats(latency time.Duration) {
	currentLatency := float64(latency.Milliseconds())

	if p.stats.AverageLatency == 0 {
		p.stats.AverageLatency = currentLatency
	} else {
		alpha := 0.1
		p.stats.AverageLatency = alpha*currentLatency + (1-alpha)*p.stats.AverageLatency
	}
}

func (p *Pipeline) GetStats() *ProcessorStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := *p.stats
	stats.QueueSize = p.queue.Size()
	return &stats
}

func (p *Pipeline) GetQueueStats() QueueStats {
	return p.queue.GetQueueStats()
}

func (p *Pipeline) Shutdown() error {
	p.logger.Info("Shutting down detection pipeline...")

	if err := p.queue.Shutdown(30 * time.Second); err != nil {
		p.logger.Error("Failed to shutdown inference queue", zap.Error(err))
		return fmt.Errorf("inference queue: %w", err)
	}

	p.logger.Info("Detection pipeline shutdown complete")
	return nil
}
