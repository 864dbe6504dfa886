package wire

import (
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"protosink/internal/value"
)

// EncodeMessage serialises a Map value as md. It is the inverse of
// DecodeMessage: keys may be field names or JSON names, Null entries are
// skipped, and uint64 fields accept decimal strings.
func EncodeMessage(md protoreflect.MessageDescriptor, v value.Value) ([]byte, error) {
	msg, err := buildMessage(md, v)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// Encode serialises v as md and frames it for schemaID.
func Encode(schemaID int32, indexes []int, md protoreflect.MessageDescriptor, v value.Value) ([]byte, error) {
	payload, err := EncodeMessage(md, v)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, schemaID, indexes, payload), nil
}

func buildMessage(md protoreflect.MessageDescriptor, v value.Value) (*dynamicpb.Message, error) {
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("%s: expected map, got %s", md.FullName(), v.Kind())
	}
	msg := dynamicpb.NewMessage(md)
	fields := md.Fields()

	var err error
	m.Range(func(k string, fv value.Value) bool {
		fd := fields.ByName(protoreflect.Name(k))
		if fd == nil {
			fd = fields.ByJSONName(k)
		}
		if fd == nil {
			err = fmt.Errorf("%s has no field %q", md.FullName(), k)
			return false
		}
		if fv.IsNull() {
			return true
		}
		err = setField(msg, fd, fv)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func setField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, v value.Value) error {
	switch {
	case fd.IsMap():
		m, ok := v.AsMap()
		if !ok {
			return fmt.Errorf("field %s: expected map, got %s", fd.FullName(), v.Kind())
		}
		pm := msg.Mutable(fd).Map()
		var err error
		m.Range(func(k string, item value.Value) bool {
			var key protoreflect.MapKey
			if key, err = mapKey(fd.MapKey(), k); err != nil {
				return false
			}
			var pv protoreflect.Value
			if pv, err = protoValue(fd.MapValue(), item); err != nil {
				return false
			}
			pm.Set(key, pv)
			return true
		})
		return err
	case fd.IsList():
		items, ok := v.AsList()
		if !ok {
			return fmt.Errorf("field %s: expected list, got %s", fd.FullName(), v.Kind())
		}
		list := msg.Mutable(fd).List()
		for _, item := range items {
			pv, err := protoValue(fd, item)
			if err != nil {
				return err
			}
			list.Append(pv)
		}
		return nil
	default:
		pv, err := protoValue(fd, v)
		if err != nil {
			return err
		}
		msg.Set(fd, pv)
		return nil
	}
}

func mapKey(fd protoreflect.FieldDescriptor, k string) (protoreflect.MapKey, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		return protoreflect.ValueOfString(k).MapKey(), nil
	case protoreflect.BoolKind:
		b, err := strconv.ParseBool(k)
		if err != nil {
			return protoreflect.MapKey{}, fmt.Errorf("map key %q: %w", k, err)
		}
		return protoreflect.ValueOfBool(b).MapKey(), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		i, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return protoreflect.MapKey{}, fmt.Errorf("map key %q: %w", k, err)
		}
		return protoreflect.ValueOfInt32(int32(i)).MapKey(), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		i, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return protoreflect.MapKey{}, fmt.Errorf("map key %q: %w", k, err)
		}
		return protoreflect.ValueOfInt64(i).MapKey(), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		u, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return protoreflect.MapKey{}, fmt.Errorf("map key %q: %w", k, err)
		}
		return protoreflect.ValueOfUint32(uint32(u)).MapKey(), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		u, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return protoreflect.MapKey{}, fmt.Errorf("map key %q: %w", k, err)
		}
		return protoreflect.ValueOfUint64(u).MapKey(), nil
	default:
		return protoreflect.MapKey{}, fmt.Errorf("unsupported map key kind %v", fd.Kind())
	}
}

func protoValue(fd protoreflect.FieldDescriptor, v value.Value) (protoreflect.Value, error) {
	mismatch := func() (protoreflect.Value, error) {
		return protoreflect.Value{}, fmt.Errorf("field %s (%v): cannot use %s value", fd.FullName(), fd.Kind(), v.Kind())
	}

	switch fd.Kind() {
	case protoreflect.BoolKind:
		if b, ok := v.AsBool(); ok {
			return protoreflect.ValueOfBool(b), nil
		}
	case protoreflect.EnumKind:
		if i, ok := v.AsInt(); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
			return protoreflect.ValueOfEnum(protoreflect.EnumNumber(i)), nil
		}
		if s, ok := v.AsString(); ok {
			if ev := fd.Enum().Values().ByName(protoreflect.Name(s)); ev != nil {
				return protoreflect.ValueOfEnum(ev.Number()), nil
			}
		}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		if i, ok := v.AsInt(); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
			return protoreflect.ValueOfInt32(int32(i)), nil
		}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		if i, ok := v.AsInt(); ok {
			return protoreflect.ValueOfInt64(i), nil
		}
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		if i, ok := v.AsInt(); ok && i >= 0 && i <= math.MaxUint32 {
			return protoreflect.ValueOfUint32(uint32(i)), nil
		}
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		if i, ok := v.AsInt(); ok && i >= 0 {
			return protoreflect.ValueOfUint64(uint64(i)), nil
		}
		if s, ok := v.AsString(); ok {
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return protoreflect.ValueOfUint64(u), nil
			}
		}
	case protoreflect.FloatKind:
		if f, ok := v.Number(); ok {
			return protoreflect.ValueOfFloat32(float32(f)), nil
		}
	case protoreflect.DoubleKind:
		if f, ok := v.Number(); ok {
			return protoreflect.ValueOfFloat64(f), nil
		}
	case protoreflect.StringKind:
		if s, ok := v.AsString(); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.BytesKind:
		if b, ok := v.AsBytes(); ok {
			return protoreflect.ValueOfBytes(b), nil
		}
		if s, ok := v.AsString(); ok {
			return protoreflect.ValueOfBytes([]byte(s)), nil
		}
	case protoreflect.MessageKind, protoreflect.GroupKind:
		sub, err := buildMessage(fd.Message(), v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(sub), nil
	}
	return mismatch()
}
