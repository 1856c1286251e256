package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/auth"
	"github.com/example/image-classify/internal/classification"
	"github.com/example/image-classify/internal/upload"
	"github.com/example/image-classify/internal/usecase"
)

// DefaultMaxUploadSize is used when Options.MaxUploadSize is not set.
const DefaultMaxUploadSize = 10 << 20

// ClassificationService is the use case surface the routes need.
type ClassificationService interface {
	Classify(ctx context.Context, req usecase.ClassifyRequest) (string, *classification.Result, error)
	GetResult(ctx context.Context, requestID string) (*usecase.Record, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// HealthChecker reports whether the classification engine is launchable.
type HealthChecker interface {
	Check() error
}

// Options tunes route behaviour.
type Options struct {
	MaxUploadSize int64
	RetainUploads bool
	// Auth guards the /api/images routes when non-nil.
	Auth gin.HandlerFunc
}

type handler struct {
	svc    ClassificationService
	store  *upload.Store
	health HealthChecker
	logger *zap.Logger
	opts   Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc ClassificationService, store *upload.Store, health HealthChecker, logger *zap.Logger, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	h := &handler{svc: svc, store: store, health: health, logger: logger.Named("http"), opts: opts}

	router.Use(requestLogger(h.logger), cors())
	router.GET("/health", h.healthCheck)

	images := router.Group("/api/images")
	if opts.Auth != nil {
		images.Use(opts.Auth)
	}
	images.POST("/upload", h.upload)
	images.GET("/results/:id", h.result)
	images.GET("/metrics", h.metrics)
}

func (h *handler) healthCheck(c *gin.Context) {
	if err := h.health.Check(); err != nil {
		h.logger.Warn("engine health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "classification engine unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) upload(c *gin.Context) {
	if c.Request.ContentLength > h.opts.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	img, err := h.store.Save(file)
	if err != nil {
		if errors.Is(err, upload.ErrUnsupportedType) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
			return
		}
		h.logger.Error("failed to store upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}
	h.logger.Debug("stored upload",
		zap.String("path", img.Path),
		zap.String("filename", img.Filename),
		zap.String("content_type", img.ContentType),
		zap.Int64("size", img.Size),
	)
	if !h.opts.RetainUploads {
		defer func() {
			if err := h.store.Remove(img.Path); err != nil {
				h.logger.Warn("failed to remove upload", zap.Error(err))
			}
		}()
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	requestID, result, err := h.svc.Classify(c.Request.Context(), usecase.ClassifyRequest{
		UserID:    userID,
		ImagePath: img.Path,
		ImageSHA1: img.SHA1,
	})
	if err != nil {
		status, message := failureResponse(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	predictions := result.Predictions
	if predictions == nil {
		predictions = []classification.Prediction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Classification successful",
		"predictions": predictions,
		"request_id":  requestID,
	})
}

func (h *handler) result(c *gin.Context) {
	record, err := h.svc.GetResult(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, record)
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification history is disabled"})
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	default:
		h.logger.Error("failed to load result", zap.Error(err), zap.String("request_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
	}
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification history is disabled"})
	default:
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
	}
}

// failureResponse maps a classification failure to a status and a message
// that is safe to show clients.
func failureResponse(err error) (int, string) {
	switch classification.KindOf(err) {
	case classification.KindMissingInput:
		return http.StatusBadRequest, "No file uploaded"
	case classification.KindSpawn:
		return http.StatusInternalServerError, "Classification engine unavailable"
	case classification.KindEngineExit:
		return http.StatusInternalServerError, "Classification failed"
	case classification.KindTimeout:
		return http.StatusGatewayTimeout, "Classification timed out"
	case classification.KindCanceled:
		return http.StatusServiceUnavailable, "Classification canceled"
	default:
		return http.StatusInternalServerError, "Error parsing classification result"
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
