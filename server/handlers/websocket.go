package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/palm-detector/server/identity"
	"github.com/san-kum/palm-detector/server/middleware"
	"github.com/san-kum/palm-detector/server/models"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	defaultStreamFilename = "upload"
)

// WebSocketHandler runs detections over a socket and streams the pipeline
// stages back as they happen. Each detect message carries its own token.
type WebSocketHandler struct {
	pipeline       DetectionService
	verifier       identity.Verifier
	limiter        RequestLimiter
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

type ClientMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func NewWebSocketHandler(pipeline DetectionService, verifier identity.Verifier, limiter RequestLimiter, allowedOrigins []string, maxMessageSize int64, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		pipeline:       pipeline,
		verifier:       verifier,
		limiter:        limiter,
		logger:         logger,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))

	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err), zap.String("client_ip", clientIP))
			}
			return
		}

		// Detections run inline so that only this goroutine writes data frames.
		if err := h.handleMessage(c, conn, &message); err != nil {
			h.logger.Warn("WebSocket write failed", zap.Error(err), zap.String("client_ip", clientIP))
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(c *gin.Context, conn *websocket.Conn, message *ClientMessage) error {
	switch message.Type {
	case "detect":
		return h.detect(c, conn, message)
	case "ping":
		return h.sendMessage(conn, "pong", gin.H{"timestamp": time.Now().Unix()})
	default:
		h.logger.Debug("Unknown message type received", zap.String("type", message.Type))
		return h.sendError(conn, models.NewError(models.KindBadRequest, "unknown message type: "+message.Type, nil))
	}
}

func (h *WebSocketHandler) detect(c *gin.Context, conn *websocket.Conn, message *ClientMessage) error {
	ctx := c.Request.Context()

	// Every detect message spends from the same budget as a POST /detect.
	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(ctx, c.ClientIP()); !allowed {
			h.logger.Warn("Rate limit exceeded", zap.String("client_ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
			return h.sendMessage(conn, "error", gin.H{
				"code":        string(models.KindRateLimited),
				"message":     models.ErrRateLimited.Message,
				"retry_after": middleware.RetryAfterSeconds(retryAfter),
			})
		}
	}

	principal, err := h.verifier.Verify(ctx, message.Token)
	if err != nil {
		return h.sendError(conn, err)
	}

	data, err := decodeImageData(message.Data)
	if err != nil {
		return h.sendError(conn, models.Wrap(models.ErrInvalidImage, err))
	}

	filename := message.Filename
	if filename == "" {
		filename = defaultStreamFilename
	}

	var writeErr error
	resp, err := h.pipeline.Detect(ctx, &models.DetectionRequest{
		Principal: principal,
		Data:      data,
		Filename:  filename,
		OnStage: func(stage models.Stage) {
			if writeErr == nil {
				writeErr = h.sendMessage(conn, "stage", gin.H{"stage": stage})
			}
		},
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		if middleware.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("Streamed detection failed", zap.Error(err))
		}
		return h.sendError(conn, err)
	}

	return h.sendMessage(conn, "result", resp)
}

// decodeImageData accepts plain base64 or a data URL.
func decodeImageData(data string) ([]byte, error) {
	if data == "" {
		return nil, errors.New("no image data")
	}
	if strings.HasPrefix(data, "data:") {
		_, payload, ok := strings.Cut(data, ",")
		if !ok {
			return nil, errors.New("invalid data URL format")
		}
		data = payload
	}
	return base64.StdEncoding.DecodeString(data)
}

func (h *WebSocketHandler) sendMessage(conn *websocket.Conn, messageType string, data any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ServerMessage{Type: messageType, Data: data})
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, err error) error {
	return h.sendMessage(conn, "error", middleware.ErrorBody(err).Error)
}

// pingRoutine uses WriteControl, which gorilla allows concurrently with the
// data writes made by the read loop.
func (h *WebSocketHandler) pingRoutine(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func originAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
