// Package domain defines core types and errors shared by the ingest pipeline.
package domain

import (
	"errors"
	"fmt"
)

// ValidationError indicates invalid input or configuration.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RegistryUnavailableError indicates the schema registry could not be reached
// or answered with a transient failure. Callers retry with backoff.
type RegistryUnavailableError struct {
	SchemaID int32
	Err      error
}

func (e *RegistryUnavailableError) Error() string {
	return fmt.Sprintf("schema registry unavailable (schema %d): %v", e.SchemaID, e.Err)
}

func (e *RegistryUnavailableError) Unwrap() error { return e.Err }

// SchemaNotFoundError indicates the registry has no schema for the ID.
type SchemaNotFoundError struct {
	SchemaID int32
}

func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema %d not found in registry", e.SchemaID)
}

// InvalidSchemaError indicates the registry returned a schema that cannot be
// used to decode Protobuf payloads.
type InvalidSchemaError struct {
	SchemaID int32
	Message  string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("invalid schema %d: %s", e.SchemaID, e.Message)
}

// MalformedWireFormatError indicates a message is not a valid framed payload.
type MalformedWireFormatError struct {
	Message string
}

func (e *MalformedWireFormatError) Error() string { return "malformed wire format: " + e.Message }

// UnresolvableSchemaError indicates the schema referenced by a message cannot
// be turned into a message descriptor.
type UnresolvableSchemaError struct {
	SchemaID int32
	Err      error
}

func (e *UnresolvableSchemaError) Error() string {
	return fmt.Sprintf("unresolvable schema %d: %v", e.SchemaID, e.Err)
}

func (e *UnresolvableSchemaError) Unwrap() error { return e.Err }

// TransformError indicates the plugin reported failure or returned output
// that does not follow the transform result contract.
type TransformError struct {
	Message string
}

func (e *TransformError) Error() string { return "transform failed: " + e.Message }

// TransformTimeoutError indicates a plugin call exceeded its wall-clock budget.
type TransformTimeoutError struct {
	Plugin  string
	Timeout string
}

func (e *TransformTimeoutError) Error() string {
	return fmt.Sprintf("plugin %s exceeded transform timeout of %s", e.Plugin, e.Timeout)
}

// PluginFaultedError indicates the plugin runtime is no longer usable.
type PluginFaultedError struct {
	Plugin string
	Err    error
}

func (e *PluginFaultedError) Error() string {
	return fmt.Sprintf("plugin %s faulted: %v", e.Plugin, e.Err)
}

func (e *PluginFaultedError) Unwrap() error { return e.Err }

// UnsupportedSchemaChangeError indicates an incoming column type conflicts
// with the type already recorded for that column.
type UnsupportedSchemaChangeError struct {
	Table        string
	Column       string
	ExistingType ColumnType
	IncomingType ColumnType
}

func (e *UnsupportedSchemaChangeError) Error() string {
	return fmt.Sprintf("unsupported schema change on %s.%s: existing type %s, incoming type %s",
		e.Table, e.Column, e.ExistingType, e.IncomingType)
}

// WriteError indicates a table write did not commit.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrMalformed creates a MalformedWireFormatError with a formatted message.
func ErrMalformed(format string, args ...interface{}) *MalformedWireFormatError {
	return &MalformedWireFormatError{Message: fmt.Sprintf(format, args...)}
}

// ErrTransform creates a TransformError with a formatted message.
func ErrTransform(format string, args ...interface{}) *TransformError {
	return &TransformError{Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is transient and the failed step may be
// attempted again.
func IsRetryable(err error) bool {
	var unavailable *RegistryUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var schemaChange *UnsupportedSchemaChangeError
	if errors.As(err, &schemaChange) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var write *WriteError
	return errors.As(err, &write)
}

// IsMessageLevel reports whether err affects a single message only. Such
// messages are skipped and the batch proceeds.
func IsMessageLevel(err error) bool {
	var malformed *MalformedWireFormatError
	if errors.As(err, &malformed) {
		return true
	}
	var unresolvable *UnresolvableSchemaError
	return errors.As(err, &unresolvable)
}
