package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/san-kum/palm-detector/server/metrics"
	"github.com/san-kum/palm-detector/server/models"
	"github.com/san-kum/palm-detector/server/render"
	"go.uber.org/zap"
)

// Client talks to the inference service hosting the pretrained detector.
// A single Client is shared by all requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
	config     *ClientConfig
	stopCh     chan struct{}
}

type ClientConfig struct {
	Timeout             time.Duration
	HealthCheckInterval time.Duration
	ModelPath           string
}

type PredictResponse struct {
	Detections   []PredictedBox `json:"detections"`
	ModelVersion string         `json:"model_version"`
}

type PredictedBox struct {
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	Box        models.BBox `json:"box"`
}

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("inference service URL is required")
	}
	if config == nil {
		config = &ClientConfig{
			Timeout:             30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		}
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		metrics: m,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	return client, nil
}

// Start checks the inference service once and keeps checking it in the
// background until Close.
func (c *Client) Start() {
	if err := c.HealthCheck(context.Background()); err != nil {
		c.logger.Warn("Inference service not available at startup", zap.Error(err))
	}

	if c.config.HealthCheckInterval > 0 {
		go c.startHealthChecker()
	}
}

func (c *Client) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Infer runs the detector on the image stored at imagePath. Any failure is
// reported as an inference failure.
func (c *Client) Infer(ctx context.Context, imagePath string) ([]models.Detection, error) {
	start := time.Now()

	detections, err := c.predict(ctx, imagePath)
	if err != nil {
		c.metrics.ObserveInference("error", time.Since(start))
		return nil, models.Wrap(models.ErrInferenceFailure, err)
	}

	c.metrics.ObserveInference("ok", time.Since(start))
	return detections, nil
}

// RenderAnnotated returns the image at imagePath with detections drawn on it.
func (c *Client) RenderAnnotated(ctx context.Context, imagePath string, detections []models.Detection) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.ErrInferenceFailure, err)
	}

	data, err := render.AnnotateFile(imagePath, detections)
	if err != nil {
		return nil, models.Wrap(models.ErrInferenceFailure, err)
	}
	return data, nil
}

func (c *Client) predict(ctx context.Context, imagePath string) ([]models.Detection, error) {
	body, contentType, err := c.buildPredictBody(imagePath)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/predict", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", contentType)
	httpRequest.Header.Set("User-Agent", "palm-detector/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("inference service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var predictResponse PredictResponse
	if err := json.NewDecoder(response.Body).Decode(&predictResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return convertPredictions(predictResponse.Detections)
}

func (c *Client) buildPredictBody(imagePath string) (*bytes.Buffer, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy image data: %w", err)
	}
	if c.config.ModelPath != "" {
		if err := writer.WriteField("model", c.config.ModelPath); err != nil {
			return nil, "", fmt.Errorf("write model field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

// convertPredictions keeps the detector's order and clamps coordinates into
// the normalized range.
func convertPredictions(boxes []PredictedBox) ([]models.Detection, error) {
	detections := make([]models.Detection, 0, len(boxes))
	for i, b := range boxes {
		if b.ClassID < 0 {
			return nil, fmt.Errorf("detection %d: negative class id %d", i, b.ClassID)
		}
		values := []float64{b.Confidence, b.Box.XCenter, b.Box.YCenter, b.Box.Width, b.Box.Height}
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("detection %d: non-finite value", i)
			}
		}

		detections = append(detections, models.Detection{
			ClassID:    b.ClassID,
			Confidence: clamp01(b.Confidence),
			Box: models.BBox{
				XCenter: clamp01(b.Box.XCenter),
				YCenter: clamp01(b.Box.YCenter),
				Width:   clamp01(b.Box.Width),
				Height:  clamp01(b.Box.Height),
			},
		})
	}
	return detections, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(context.Background()); err != nil {
				c.logger.Error("Inference service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Inference service health check passed")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model info request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
