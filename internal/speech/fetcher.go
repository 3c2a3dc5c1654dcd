package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/pkg/retrylimit"
)

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// RetryDelay is the pause before the single retry of a 5xx answer.
	RetryDelay time.Duration
	Limiter    *retrylimit.AdaptiveLimiter
	Logger     zerolog.Logger
}

// Fetcher retrieves synthesized audio for a request. The whole fetch,
// including reading the body, is bounded by the per-call timeout.
type Fetcher struct {
	engines Engines
	opts    FetcherOptions
	log     zerolog.Logger
}

func NewFetcher(engines Engines, opts FetcherOptions) *Fetcher {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Fetcher{
		engines: engines,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "speech").Logger(),
	}
}

// Fetch returns the audio for text. Errors are *NetworkError for timeouts
// and transport failures and *ServiceError for non-2xx answers; a 5xx
// answer is retried once. When ctx ends first its error is returned.
func (f *Fetcher) Fetch(ctx context.Context, text string, params VoiceParams, timeout time.Duration) (io.ReadCloser, error) {
	engine, ok := f.engines[params.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, params.Mode)
	}

	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var audio []byte
	var lastErr error
	err := retrylimit.WithRetryConfig(fctx, func(ctx context.Context) error {
		body, err := engine.Synthesize(ctx, text, params)
		if err != nil {
			lastErr = err
			return err
		}
		defer body.Close()

		data, err := io.ReadAll(body)
		if err != nil {
			lastErr = &NetworkError{Op: "speak", Err: err}
			return lastErr
		}
		audio = data
		return nil
	}, f.opts.Limiter, retrylimit.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: f.opts.RetryDelay,
		Retryable:    isRetryable,
		OnRetry: func(attempt int, err error) {
			f.log.Debug().Err(err).Int("attempt", attempt).Str("mode", string(params.Mode)).Msg("retrying speech fetch")
		},
	})

	if err == nil {
		return io.NopCloser(bytes.NewReader(audio)), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		cause := lastErr
		if cause == nil {
			cause = fctx.Err()
		}
		return nil, &NetworkError{Op: "speak", Timeout: true, Err: cause}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	// The limiter refused to wait past the deadline.
	return nil, &NetworkError{Op: "speak", Err: err}
}

func isRetryable(err error) bool {
	var serr *ServiceError
	return errors.As(err, &serr) && serr.Retryable
}
