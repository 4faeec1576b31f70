package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperraft/hyperraft/types"
)

var _ Store = (*tracedStore)(nil)

type tracedStore struct {
	inner  Store
	tracer trace.Tracer
}

// WithTracingStore wraps a Store with OpenTelemetry tracing.
func WithTracingStore(inner Store) Store {
	return &tracedStore{
		inner:  inner,
		tracer: otel.Tracer("hyperraft/store"),
	}
}

func (t *tracedStore) Height(ctx context.Context) (uint64, error) {
	ctx, span := t.tracer.Start(ctx, "Store.Height")
	defer span.End()

	height, err := t.inner.Height(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return height, err
	}

	span.SetAttributes(attribute.Int64("height", int64(height)))
	return height, nil
}

func (t *tracedStore) AppendEntry(ctx context.Context, entry *types.LogEntry) error {
	ctx, span := t.tracer.Start(ctx, "Store.AppendEntry",
		trace.WithAttributes(attribute.Int64("index", int64(entry.Index))),
	)
	defer span.End()

	if err := t.inner.AppendEntry(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (t *tracedStore) GetEntry(ctx context.Context, index uint64) (*types.LogEntry, error) {
	ctx, span := t.tracer.Start(ctx, "Store.GetEntry",
		trace.WithAttributes(attribute.Int64("index", int64(index))),
	)
	defer span.End()

	entry, err := t.inner.GetEntry(ctx, index)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return entry, err
	}
	return entry, nil
}

func (t *tracedStore) GetEntryByHash(ctx context.Context, hash types.Hash) (*types.LogEntry, error) {
	ctx, span := t.tracer.Start(ctx, "Store.GetEntryByHash",
		trace.WithAttributes(attribute.String("hash", hash.String())),
	)
	defer span.End()

	entry, err := t.inner.GetEntryByHash(ctx, hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return entry, err
	}
	if entry != nil {
		span.SetAttributes(attribute.Int64("index", int64(entry.Index)))
	}
	return entry, nil
}

func (t *tracedStore) SetMetadata(ctx context.Context, key string, value []byte) error {
	ctx, span := t.tracer.Start(ctx, "Store.SetMetadata",
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	if err := t.inner.SetMetadata(ctx, key, value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (t *tracedStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	ctx, span := t.tracer.Start(ctx, "Store.GetMetadata",
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	value, err := t.inner.GetMetadata(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return value, err
	}
	return value, nil
}

func (t *tracedStore) Close() error {
	return t.inner.Close()
}
