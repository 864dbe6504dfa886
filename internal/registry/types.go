package registry

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// SchemaType represents the registry schema type.
type SchemaType string

const (
	SchemaTypeAvro     SchemaType = "AVRO"
	SchemaTypeJSON     SchemaType = "JSON"
	SchemaTypeProtobuf SchemaType = "PROTOBUF"
)

// Reference describes a dependent schema reference for Protobuf/Avro.
type Reference struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Version int    `json:"version"`
}

// schemaResponse is the body of GET /schemas/ids/{id}. An absent schemaType
// means AVRO.
type schemaResponse struct {
	Schema     string      `json:"schema"`
	SchemaType SchemaType  `json:"schemaType"`
	References []Reference `json:"references"`
}

// subjectVersionResponse is the body of GET /subjects/{subject}/versions/{version}.
type subjectVersionResponse struct {
	Subject    string      `json:"subject"`
	Version    int         `json:"version"`
	ID         int32       `json:"id"`
	Schema     string      `json:"schema"`
	SchemaType SchemaType  `json:"schemaType"`
	References []Reference `json:"references"`
}

// errorResponse is the registry's error envelope.
type errorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// document is a schema and the sources of everything it imports, keyed by
// import path. It is what the shared cache stores.
type document struct {
	Schema  string            `json:"schema"`
	Imports map[string]string `json:"imports,omitempty"`
}

// SchemaEntry is a compiled schema. Entries are immutable once cached.
type SchemaEntry struct {
	ID        int32
	File      protoreflect.FileDescriptor
	FetchedAt time.Time
}

// Message resolves a Confluent message-index path to a message descriptor:
// the first index selects a top-level message, each further index a message
// nested in the previous one.
func (e *SchemaEntry) Message(indexes []int) (protoreflect.MessageDescriptor, error) {
	if len(indexes) == 0 {
		indexes = []int{0}
	}
	msgs := e.File.Messages()
	var md protoreflect.MessageDescriptor
	for depth, idx := range indexes {
		if idx < 0 || idx >= msgs.Len() {
			return nil, fmt.Errorf("message index %d at depth %d out of range (%d messages)", idx, depth, msgs.Len())
		}
		md = msgs.Get(idx)
		msgs = md.Messages()
	}
	return md, nil
}

// MessageByName finds a message by its fully-qualified name.
func (e *SchemaEntry) MessageByName(name protoreflect.FullName) (protoreflect.MessageDescriptor, bool) {
	return findMessage(e.File.Messages(), name)
}

func findMessage(msgs protoreflect.MessageDescriptors, name protoreflect.FullName) (protoreflect.MessageDescriptor, bool) {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.FullName() == name {
			return md, true
		}
		if nested, ok := findMessage(md.Messages(), name); ok {
			return nested, true
		}
	}
	return nil, false
}
