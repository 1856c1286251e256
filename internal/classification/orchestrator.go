package classification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/image-classify/internal/engine"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultMaxConcurrency = 4
)

// Invoker runs the classification engine once for an image.
type Invoker interface {
	Run(ctx context.Context, imagePath string) (*engine.Output, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds the wall-clock time of a single engine invocation.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMaxConcurrency bounds the number of engine processes running at once.
func WithMaxConcurrency(n int64) Option {
	return func(o *Orchestrator) { o.maxConcurrency = n }
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// Orchestrator runs the engine for an image and parses what it printed.
// Apart from the admission semaphore it keeps no state between calls.
type Orchestrator struct {
	invoker        Invoker
	logger         *zap.Logger
	timeout        time.Duration
	maxConcurrency int64
	slots          *semaphore.Weighted
}

// NewOrchestrator creates an Orchestrator around invoker.
func NewOrchestrator(invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:        invoker,
		logger:         zap.NewNop(),
		timeout:        defaultTimeout,
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = defaultMaxConcurrency
	}
	o.slots = semaphore.NewWeighted(o.maxConcurrency)
	o.logger = o.logger.Named("classification")
	return o
}

// Classify runs one classification. Exactly one of the return values is
// non-nil; errors are always *Error.
func (o *Orchestrator) Classify(ctx context.Context, imagePath string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("classification panicked", zap.Any("panic", r), zap.String("image", imagePath))
			result = nil
			err = &Error{Kind: KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if strings.TrimSpace(imagePath) == "" {
		return nil, &Error{Kind: KindMissingInput, Err: ErrMissingInput}
	}

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx, err)
	}
	defer o.slots.Release(1)

	runCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	out, err := o.invoker.Run(runCtx, imagePath)
	if err != nil {
		var spawnErr *engine.SpawnError
		switch {
		case errors.As(err, &spawnErr):
			return nil, &Error{Kind: KindSpawn, Err: err}
		case runCtx.Err() != nil:
			if ctx.Err() == nil {
				return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("engine exceeded %s: %w", o.timeout, err), Stderr: stderrOf(out)}
			}
			return nil, contextError(ctx, err)
		default:
			return nil, &Error{Kind: KindInternal, Err: err, Stderr: stderrOf(out)}
		}
	}
	if out == nil {
		return nil, &Error{Kind: KindInternal, Err: errors.New("engine returned no output")}
	}

	o.logger.Debug("engine finished",
		zap.String("image", imagePath),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
		zap.ByteString("stderr", out.Stderr),
	)

	if out.ExitCode != 0 {
		return nil, &Error{Kind: KindEngineExit, ExitCode: out.ExitCode, Stderr: string(out.Stderr)}
	}

	text, err := DecodeOutput(out.Stdout)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: err, Stderr: string(out.Stderr)}
	}

	return &Result{Predictions: Parse(text)}, nil
}

func contextError(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindCanceled, Err: err}
}

func stderrOf(out *engine.Output) string {
	if out == nil {
		return ""
	}
	return string(out.Stderr)
}
