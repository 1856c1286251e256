package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/classification"
	"github.com/example/image-classify/internal/logging"
	"github.com/example/image-classify/internal/repository"
)

const (
	resultCacheTTL = 5 * time.Minute
	recordTimeout  = 5 * time.Second
)

var (
	// ErrHistoryDisabled is returned by lookups when neither a database nor a
	// cache is configured.
	ErrHistoryDisabled = errors.New("classification history is disabled")
	// ErrNotFound is returned when a request id is unknown.
	ErrNotFound = repository.ErrNotFound
)

// Classifier runs one classification for a stored image.
type Classifier interface {
	Classify(ctx context.Context, imagePath string) (*classification.Result, error)
}

// Repository defines the persistence operations needed by the use case.
type Repository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ClassifyRequest carries one uploaded image into the use case.
type ClassifyRequest struct {
	UserID    string
	ImagePath string
	ImageSHA1 string
}

// Record is a stored classification outcome as served back to clients.
type Record struct {
	RequestID   string                      `json:"request_id"`
	UserID      string                      `json:"user_id,omitempty"`
	ImageSHA1   string                      `json:"image_sha1,omitempty"`
	Status      string                      `json:"status"`
	ErrorKind   string                      `json:"error_kind,omitempty"`
	ExitCode    int                         `json:"exit_code,omitempty"`
	Predictions []classification.Prediction `json:"predictions"`
	DurationMs  int64                       `json:"duration_ms"`
	CreatedAt   time.Time                   `json:"created_at"`
}

// ClassificationUseCase runs classifications and keeps their history. Both
// repo and cache are optional.
type ClassificationUseCase struct {
	classifier     Classifier
	repo           Repository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationUseCase constructs a new use case instance. Pass nil for
// repo or cache to disable them.
func NewClassificationUseCase(classifier Classifier, repo Repository, cache Cache, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		classifier:     classifier,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("classification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// HistoryEnabled reports whether results can be looked up later.
func (uc *ClassificationUseCase) HistoryEnabled() bool {
	return uc.repo != nil || uc.cache != nil
}

// Classify runs the classifier once and records the outcome. The returned
// error is the classifier's own; history failures are only logged.
func (uc *ClassificationUseCase) Classify(ctx context.Context, req ClassifyRequest) (string, *classification.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	started := time.Now()
	result, err := uc.classifier.Classify(ctx, req.ImagePath)
	elapsed := time.Since(started)

	if err != nil {
		var cErr *classification.Error
		fields := []zap.Field{zap.Error(err), zap.Duration("elapsed", elapsed), zap.String("image", req.ImagePath)}
		if errors.As(err, &cErr) {
			fields = append(fields, zap.String("kind", string(cErr.Kind)), zap.Int("exit_code", cErr.ExitCode))
			if cErr.Stderr != "" {
				fields = append(fields, zap.String("stderr", cErr.Stderr))
			}
		}
		opLogger.Warn("classification failed", fields...)
	} else {
		opLogger.Info("classification succeeded",
			zap.Int("predictions", len(result.Predictions)),
			zap.Duration("elapsed", elapsed))
	}

	if uc.HistoryEnabled() {
		// The request may already be gone; history is written regardless.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		uc.record(recordCtx, opLogger, newRecord(requestID, req, result, err, elapsed))
	}

	return requestID, result, err
}

// GetResult returns a previous classification, preferring the cache.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) (*Record, error) {
	if !uc.HistoryEnabled() {
		return nil, ErrHistoryDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultCacheKey(requestID))
		switch {
		case err == nil:
			var rec Record
			if err := json.Unmarshal([]byte(cached), &rec); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return &rec, nil
			}
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return recordFromLog(log), nil
}

func (uc *ClassificationUseCase) record(ctx context.Context, opLogger *zap.Logger, rec *Record) {
	if uc.repo != nil {
		log, err := logFromRecord(rec)
		if err == nil {
			err = uc.repo.SaveLog(ctx, log)
		}
		if err != nil {
			opLogger.Error("failed to persist classification log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(rec)
		if err != nil {
			opLogger.Error("failed to serialize classification record", zap.Error(err))
			return
		}
		if err := uc.withRedisRetry(ctx, rec.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, resultCacheKey(rec.RequestID), string(serialized), resultCacheTTL)
		}); err != nil {
			opLogger.Error("failed to cache classification record", zap.Error(err))
		}
	}
}

func newRecord(requestID string, req ClassifyRequest, result *classification.Result, err error, elapsed time.Duration) *Record {
	rec := &Record{
		RequestID:   requestID,
		UserID:      req.UserID,
		ImageSHA1:   req.ImageSHA1,
		Status:      repository.StatusSucceeded,
		Predictions: []classification.Prediction{},
		DurationMs:  elapsed.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err != nil {
		rec.Status = repository.StatusFailed
		rec.ErrorKind = string(classification.KindOf(err))
		var cErr *classification.Error
		if errors.As(err, &cErr) {
			rec.ExitCode = cErr.ExitCode
		}
		return rec
	}
	if result != nil && result.Predictions != nil {
		rec.Predictions = result.Predictions
	}
	return rec
}

func logFromRecord(rec *Record) (*repository.ClassificationLog, error) {
	predictions, err := json.Marshal(rec.Predictions)
	if err != nil {
		return nil, err
	}
	log := &repository.ClassificationLog{
		RequestID:   rec.RequestID,
		UserID:      rec.UserID,
		ImageSHA1:   rec.ImageSHA1,
		Status:      rec.Status,
		ErrorKind:   rec.ErrorKind,
		ExitCode:    rec.ExitCode,
		Predictions: string(predictions),
		DurationMs:  rec.DurationMs,
		CreatedAt:   rec.CreatedAt,
	}
	if len(rec.Predictions) > 0 {
		log.TopLabel = rec.Predictions[0].Label
		log.TopConfidence = rec.Predictions[0].Confidence
	}
	return log, nil
}

func recordFromLog(log *repository.ClassificationLog) *Record {
	rec := &Record{
		RequestID:   log.RequestID,
		UserID:      log.UserID,
		ImageSHA1:   log.ImageSHA1,
		Status:      log.Status,
		ErrorKind:   log.ErrorKind,
		ExitCode:    log.ExitCode,
		Predictions: []classification.Prediction{},
		DurationMs:  log.DurationMs,
		CreatedAt:   log.CreatedAt,
	}
	if log.Predictions != "" {
		var predictions []classification.Prediction
		if err := json.Unmarshal([]byte(log.Predictions), &predictions); err == nil && predictions != nil {
			rec.Predictions = predictions
		}
	}
	return rec
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrCacheMiss) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
