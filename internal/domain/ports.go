package domain

import (
	"context"

	"protosink/internal/value"
)

// Source delivers message batches and records progress once a batch is
// durably written. Implemented by kafka.Consumer and replay.Source.
type Source interface {
	// Poll returns up to limit messages. It blocks until at least one message
	// is available, the context ends, or the source is exhausted (io.EOF).
	Poll(ctx context.Context, limit int) ([]Message, error)
	// Commit records msgs as processed.
	Commit(ctx context.Context, msgs []Message) error
}

// MessageDecoder turns a raw payload into a value tree.
// Implemented by wire.Decoder and wire.StaticDecoder.
type MessageDecoder interface {
	Decode(ctx context.Context, raw []byte) (value.Value, error)
}

// Transformer runs a loaded plugin. Implemented by plugin.Runtime.
type Transformer interface {
	Transform(ctx context.Context, input value.Value) (TransformResult, error)
	Reload(ctx context.Context) error
	Concurrency() int
	Source() string
}

// DeadLetterSink stores messages the pipeline skipped.
// Implemented by sink.DeadLetterTable and kafka.DeadLetterProducer.
type DeadLetterSink interface {
	Send(ctx context.Context, letters []DeadLetter) error
}
