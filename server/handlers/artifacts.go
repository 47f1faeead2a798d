package handlers

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/labels"
	"github.com/san-kum/palm-detector/server/metrics"
	"github.com/san-kum/palm-detector/server/middleware"
	"github.com/san-kum/palm-detector/server/models"
	"github.com/san-kum/palm-detector/server/processor"
	"github.com/san-kum/palm-detector/server/storage"
	"go.uber.org/zap"
)

const (
	artifactResult = "result"
	artifactLabel  = "label"
)

type WorkspaceLookup interface {
	Lookup(namespace string) *models.Workspace
	Owner(namespace string) (string, error)
}

// ArtifactHandler serves stored result images and label files back to the
// namespace that produced them.
type ArtifactHandler struct {
	workspaces       WorkspaceLookup
	enforceOwnership bool
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

func NewArtifactHandler(workspaces WorkspaceLookup, enforceOwnership bool, logger *zap.Logger, m *metrics.Metrics) *ArtifactHandler {
	return &ArtifactHandler{
		workspaces:       workspaces,
		enforceOwnership: enforceOwnership,
		logger:           logger,
		metrics:          m,
	}
}

// GetResult handles GET /results/:user/:filename.
func (h *ArtifactHandler) GetResult(c *gin.Context) {
	h.serve(c, artifactResult)
}

// GetLabel handles GET /labels/:user/:filename.
func (h *ArtifactHandler) GetLabel(c *gin.Context) {
	h.serve(c, artifactLabel)
}

func (h *ArtifactHandler) serve(c *gin.Context, kind string) {
	defer func() {
		h.metrics.ObserveArtifactFetch(kind, c.Writer.Status())
	}()

	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		respondError(c, h.logger, models.ErrMissingCredential)
		return
	}

	namespace := c.Param("user")
	filename := c.Param("filename")

	if h.enforceOwnership && storage.Namespace(principal.Email) != namespace {
		h.logger.Warn("Cross-namespace artifact request",
			zap.String("namespace", namespace),
			zap.String("principal_namespace", storage.Namespace(principal.Email)))
		respondError(c, h.logger, models.ErrForbidden)
		return
	}

	if !storage.ValidSegment(namespace) || !storage.ValidSegment(filename) || !servable(kind, filename) {
		respondError(c, h.logger, models.ErrNotFound)
		return
	}

	if h.enforceOwnership {
		owner, err := h.workspaces.Owner(namespace)
		if err != nil {
			respondError(c, h.logger, models.Wrap(models.ErrStorageFailure, err))
			return
		}
		// Colliding emails share a namespace name but not its contents.
		if owner != "" && owner != principal.Email {
			h.logger.Warn("Artifact request for namespace owned by another account",
				zap.String("namespace", namespace))
			respondError(c, h.logger, models.ErrForbidden)
			return
		}
	}

	path := filepath.Join(h.workspaces.Lookup(namespace).ResultDir, filename)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(c, h.logger, models.ErrNotFound)
			return
		}
		respondError(c, h.logger, models.Wrap(models.ErrStorageFailure, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(c, h.logger, models.Wrap(models.ErrStorageFailure, err))
		return
	}
	if !info.Mode().IsRegular() {
		respondError(c, h.logger, models.ErrNotFound)
		return
	}

	ct, err := contentType(kind, f)
	if err != nil {
		respondError(c, h.logger, models.Wrap(models.ErrStorageFailure, err))
		return
	}
	c.Header("Content-Type", ct)
	c.Header("Cache-Control", "private, no-store")
	http.ServeContent(c.Writer, c.Request, filename, info.ModTime(), f)
}

// servable keeps each endpoint to its own artifact type.
func servable(kind, filename string) bool {
	switch kind {
	case artifactLabel:
		return strings.EqualFold(filepath.Ext(filename), labels.Ext)
	case artifactResult:
		return strings.HasPrefix(filename, processor.ResultPrefix)
	}
	return false
}

// contentType sniffs result images rather than trusting the extension, since
// the client picked the file name and the stored bytes keep their real format.
func contentType(kind string, f io.ReadSeeker) (string, error) {
	if kind == artifactLabel {
		return "text/plain; charset=utf-8", nil
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}
