package wire

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"protosink/internal/domain"
	"protosink/internal/registry"
	"protosink/internal/value"
)

// SchemaResolver resolves schema IDs; *registry.Client implements it.
type SchemaResolver interface {
	Resolve(ctx context.Context, id int32) (*registry.SchemaEntry, error)
}

// Options controls value conversion.
type Options struct {
	// JSONNames keys maps by the Protobuf JSON name instead of the field name.
	JSONNames bool
}

// Decoder turns framed messages into value trees.
type Decoder struct {
	resolver SchemaResolver
	opts     Options
}

// NewDecoder creates a Decoder backed by resolver.
func NewDecoder(resolver SchemaResolver, opts Options) *Decoder {
	return &Decoder{resolver: resolver, opts: opts}
}

// Decode parses one framed message.
//
// Errors are *domain.MalformedWireFormatError, *domain.UnresolvableSchemaError
// or, untouched so the caller can retry, *domain.RegistryUnavailableError.
func (d *Decoder) Decode(ctx context.Context, raw []byte) (value.Value, error) {
	frame, err := ParseFrame(raw)
	if err != nil {
		return value.Value{}, err
	}

	entry, err := d.resolver.Resolve(ctx, frame.SchemaID)
	if err != nil {
		var unavailable *domain.RegistryUnavailableError
		if errors.As(err, &unavailable) {
			return value.Value{}, err
		}
		return value.Value{}, &domain.UnresolvableSchemaError{SchemaID: frame.SchemaID, Err: err}
	}

	md, err := entry.Message(frame.Indexes)
	if err != nil {
		return value.Value{}, &domain.UnresolvableSchemaError{SchemaID: frame.SchemaID, Err: err}
	}
	return DecodeMessage(md, frame.Payload, d.opts)
}

// StaticDecoder decodes unframed payloads with a fixed message descriptor.
type StaticDecoder struct {
	Descriptor protoreflect.MessageDescriptor
	Options    Options
}

// Decode parses one unframed payload.
func (d StaticDecoder) Decode(_ context.Context, raw []byte) (value.Value, error) {
	return DecodeMessage(d.Descriptor, raw, d.Options)
}

// DecodeMessage parses payload as md and converts it to a Map value. Fields
// appear in declaration order; unset fields are absent and unknown fields are
// dropped.
func DecodeMessage(md protoreflect.MessageDescriptor, payload []byte, opts Options) (value.Value, error) {
	msg := dynamicpb.NewMessage(md)
	if err := (proto.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(payload, msg); err != nil {
		return value.Value{}, domain.ErrMalformed("decode %s: %v", md.FullName(), err)
	}
	return messageValue(msg, opts), nil
}

func messageValue(msg protoreflect.Message, opts Options) value.Value {
	fields := msg.Descriptor().Fields()
	m := value.NewMap()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if !msg.Has(fd) {
			continue
		}
		m.Set(fieldKey(fd, opts), fieldValue(fd, msg.Get(fd), opts))
	}
	return value.FromMap(m)
}

func fieldKey(fd protoreflect.FieldDescriptor, opts Options) string {
	if opts.JSONNames {
		return fd.JSONName()
	}
	return string(fd.Name())
}

func fieldValue(fd protoreflect.FieldDescriptor, v protoreflect.Value, opts Options) value.Value {
	switch {
	case fd.IsMap():
		return mapValue(fd, v.Map(), opts)
	case fd.IsList():
		list := v.List()
		items := make([]value.Value, list.Len())
		for i := range items {
			items[i] = scalarValue(fd, list.Get(i), opts)
		}
		return value.List(items...)
	default:
		return scalarValue(fd, v, opts)
	}
}

// mapValue converts a map field. Protobuf maps are unordered; keys are
// sorted so decoding is deterministic.
func mapValue(fd protoreflect.FieldDescriptor, pm protoreflect.Map, opts Options) value.Value {
	type entry struct {
		key string
		val protoreflect.Value
	}
	entries := make([]entry, 0, pm.Len())
	pm.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
		entries = append(entries, entry{key: k.String(), val: v})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	m := value.NewMap()
	for _, e := range entries {
		m.Set(e.key, scalarValue(fd.MapValue(), e.val, opts))
	}
	return value.FromMap(m)
}

func scalarValue(fd protoreflect.FieldDescriptor, v protoreflect.Value, opts Options) value.Value {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return value.Bool(v.Bool())
	case protoreflect.EnumKind:
		return value.Int(int64(v.Enum()))
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return value.Int(v.Int())
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return value.Int(int64(v.Uint()))
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		u := v.Uint()
		if u > math.MaxInt64 {
			return value.String(strconv.FormatUint(u, 10))
		}
		return value.Int(int64(u))
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return value.Float(v.Float())
	case protoreflect.StringKind:
		return value.String(v.String())
	case protoreflect.BytesKind:
		return value.Bytes(append([]byte(nil), v.Bytes()...))
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return messageValue(v.Message(), opts)
	default:
		return value.Null()
	}
}
