// Package replay reads and writes message files for offline ingestion.
//
// A file starts with the message count as a little-endian uint32, followed by
// a zstd stream holding a length-prefixed FileDescriptorSet and then
// length-prefixed (key, message) pairs. Lengths are little-endian uint32.
package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// maxRecordBytes bounds a single key, message or descriptor set.
const maxRecordBytes = 64 << 20

// Record is one keyed message from a replay file.
type Record struct {
	Key   []byte
	Value []byte
}

// Reader decodes a replay file.
type Reader struct {
	count   uint32
	message protoreflect.MessageDescriptor
	dec     *zstd.Decoder
	r       *bufio.Reader
	file    io.Closer
}

// Open opens a replay file. The caller must Close the Reader.
func Open(path, typeName string) (*Reader, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	r, err := NewReader(f, typeName)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.file = f
	return r, nil
}

// NewReader reads the header and descriptor set from r and resolves
// typeName, a fully-qualified message name.
func NewReader(r io.Reader, typeName string) (*Reader, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read message count: %w", err)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	br := bufio.NewReader(dec)

	raw, err := readChunk(br)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("read descriptor set: %w", err)
	}
	md, err := resolve(raw, typeName)
	if err != nil {
		dec.Close()
		return nil, err
	}
	return &Reader{count: count, message: md, dec: dec, r: br}, nil
}

func resolve(raw []byte, typeName string) (protoreflect.MessageDescriptor, error) {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode descriptor set: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("build descriptors: %w", err)
	}
	d, err := files.FindDescriptorByName(protoreflect.FullName(typeName))
	if err != nil {
		return nil, fmt.Errorf("message type %s not found in file", typeName)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a message type", typeName)
	}
	return md, nil
}

// Count returns the message count recorded in the header.
func (r *Reader) Count() uint32 { return r.count }

// Message returns the descriptor of the replayed message type.
func (r *Reader) Message() protoreflect.MessageDescriptor { return r.message }

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	key, err := readChunk(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read key: %w", err)
	}
	val, err := readChunk(r.r)
	if err != nil {
		// A key without a message marks the end of a truncated file.
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read message: %w", err)
	}
	return Record{Key: key, Value: val}, nil
}

// Close releases the decompressor and the underlying file, if any.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// readChunk reads a uint32le length and that many bytes. A clean end of
// stream before the length yields io.EOF.
func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if n > maxRecordBytes {
		return nil, fmt.Errorf("record of %d bytes exceeds %d byte limit", n, maxRecordBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("short record: %w", err)
	}
	return buf, nil
}

// Writer produces a replay file.
type Writer struct {
	enc *zstd.Encoder
}

// NewWriter writes the header and descriptor set to w. count is the number
// of records the caller will write.
func NewWriter(w io.Writer, count uint32, set *descriptorpb.FileDescriptorSet) (*Writer, error) {
	if err := binary.Write(w, binary.LittleEndian, count); err != nil {
		return nil, fmt.Errorf("write message count: %w", err)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	raw, err := proto.Marshal(set)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("encode descriptor set: %w", err)
	}
	if err := writeChunk(enc, raw); err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &Writer{enc: enc}, nil
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	if err := writeChunk(w.enc, rec.Key); err != nil {
		return err
	}
	return writeChunk(w.enc, rec.Value)
}

// Close flushes the compressed stream.
func (w *Writer) Close() error {
	return w.enc.Close()
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// FileSet collects md's file and its transitive imports, dependencies first.
func FileSet(md protoreflect.MessageDescriptor) *descriptorpb.FileDescriptorSet {
	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	var add func(fd protoreflect.FileDescriptor)
	add = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			add(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	add(md.ParentFile())
	return set
}
