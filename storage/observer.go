package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tadaszelvys/server-library-sub000/instrumentation"
)

// Operation results recorded on storage metrics.
const (
	resultSuccess = "success"
	resultMiss    = "miss"
	resultError   = "error"
)

// Observer traces and meters store operations for one backend. A nil
// Observer, or one without instrumentation, does nothing.
type Observer struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewObserver creates an observer for the named backend ("memory", "redis", ...).
func NewObserver(backend string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{backend: backend, inst: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Start opens a span for operation. The returned function ends it and
// records the operation outcome; lookups of unknown keys and consumed
// single-use values count as misses, not errors.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil || o.inst == nil {
		return ctx, func(error) {}
	}

	startTime := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String("operation", operation)))
	instrumentation.AddStorageAttributes(span, operation, o.backend)

	return ctx, func(err error) {
		defer span.End()

		result := resultSuccess
		switch {
		case err == nil:
			instrumentation.SetSpanSuccess(span)
		case IsMiss(err):
			result = resultMiss
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
		default:
			result = resultError
			instrumentation.RecordError(span, err)
		}

		durationMs := float64(time.Since(startTime).Microseconds()) / 1000
		o.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}

// IsMiss reports whether err is an expected lookup or single-use outcome
// rather than a backend failure.
func IsMiss(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrAuthorizationCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrInvalidClientCredentials) ||
		errors.Is(err, ErrInvalidOwnerCredentials) ||
		errors.Is(err, ErrResourceOwnerNotFound)
}
