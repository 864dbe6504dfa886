package domain

import "time"

// Message is one record pulled from a source.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// DeadLetter is a message the pipeline skipped, with the reason it failed.
type DeadLetter struct {
	BatchID string
	Message Message
	Reason  string
}
