// Package backend holds the model backends used for extraction: an Ollama-style
// daemon client, a serialised local inference engine, and the keyword fallback.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ndk-tracker-go/internal/types"
)

// Generator is a model backend that turns a prompt into raw text.
type Generator interface {
	Kind() types.BackendKind
	// Generate runs one completion. model may be empty to use the backend default.
	Generate(ctx context.Context, model, prompt string) (string, error)
	// Ping is a cheap liveness check.
	Ping(ctx context.Context) error
	ListModels(ctx context.Context) ([]string, error)
}

// HTTPError is a non-2xx reply from a backend.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// retryProbe retries op with exponential backoff until it succeeds, returns a
// permanent error, or maxElapsed passes. 4xx replies are not retried.
func retryProbe(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = maxElapsed
	var lastErr error
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(wrapped, backoff.WithContext(b, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
