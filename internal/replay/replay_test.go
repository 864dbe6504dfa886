package replay

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"protosink/internal/value"
	"protosink/internal/wire"
)

const tsType = "google.protobuf.Timestamp"

func writeFile(t *testing.T, records []Record) []byte {
	t.Helper()
	md := (&timestamppb.Timestamp{}).ProtoReflect().Descriptor()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, uint32(len(records)), FileSet(md))
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func stamp(t *testing.T, sec int64) []byte {
	t.Helper()
	b, err := proto.Marshal(&timestamppb.Timestamp{Seconds: sec})
	require.NoError(t, err)
	return b
}

func TestReader_RoundTrip(t *testing.T) {
	records := []Record{
		{Key: []byte("a"), Value: stamp(t, 1)},
		{Key: []byte("b"), Value: stamp(t, 2)},
		{Key: []byte{}, Value: stamp(t, 3)},
	}
	r, err := NewReader(bytes.NewReader(writeFile(t, records)), tsType)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	assert.Equal(t, uint32(3), r.Count())
	assert.Equal(t, tsType, string(r.Message().FullName()))

	var got []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "b", string(got[1].Key))
	assert.Equal(t, records[2].Value, got[2].Value)

	v, err := wire.StaticDecoder{Descriptor: r.Message()}.Decode(context.Background(), got[1].Value)
	require.NoError(t, err)
	m, _ := v.AsMap()
	secs, _ := m.Get("seconds")
	assert.True(t, secs.Equal(value.Int(2)))
}

func TestReader_Errors(t *testing.T) {
	valid := writeFile(t, nil)

	tests := []struct {
		name     string
		data     []byte
		typeName string
		wantErr  string
	}{
		{name: "empty", data: nil, typeName: tsType, wantErr: "read message count"},
		{name: "unknown_type", data: valid, typeName: "pkg.Missing", wantErr: "pkg.Missing not found"},
		{name: "not_zstd", data: append(binary.LittleEndian.AppendUint32(nil, 1), []byte("plain text")...), typeName: tsType, wantErr: "descriptor set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data), tt.typeName)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.bin.zst")
	require.NoError(t, os.WriteFile(path, writeFile(t, []Record{{Key: []byte("k"), Value: stamp(t, 9)}}), 0o600))

	r, err := Open(path, tsType)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "k", string(rec.Key))
	require.NoError(t, r.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing"), tsType)
	assert.ErrorContains(t, err, "open replay file")
}

func TestSource_PollAndCommit(t *testing.T) {
	var records []Record
	for i := range 5 {
		records = append(records, Record{Key: []byte{byte('a' + i)}, Value: stamp(t, int64(i))})
	}
	r, err := NewReader(bytes.NewReader(writeFile(t, records)), tsType)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	src := NewSource(r, "events.bin", 4, nil)
	ctx := context.Background()

	first, err := src.Poll(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	second, err := src.Poll(ctx, 3)
	require.NoError(t, err)
	require.Len(t, second, 2)
	_, err = src.Poll(ctx, 3)
	assert.ErrorIs(t, err, io.EOF)

	for i, m := range append(first, second...) {
		assert.Equal(t, int64(i), m.Offset)
		assert.Equal(t, "events.bin", m.Topic)
		assert.Equal(t, Lane(m.Key, 4), m.Partition)
	}

	require.NoError(t, src.Commit(ctx, first))
	require.NoError(t, src.Commit(ctx, second))
	assert.Equal(t, int64(5), src.Committed())
}

func TestSource_CancelledContext(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writeFile(t, []Record{{Key: []byte("k"), Value: stamp(t, 1)}})), tsType)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSource(r, "f", 1, nil).Poll(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLane(t *testing.T) {
	assert.Equal(t, int32(0), Lane([]byte("anything"), 1))
	assert.Equal(t, int32(0), Lane([]byte("anything"), 0))
	for _, key := range []string{"", "a", "customer-42"} {
		l := Lane([]byte(key), 8)
		assert.GreaterOrEqual(t, l, int32(0))
		assert.Less(t, l, int32(8))
		assert.Equal(t, l, Lane([]byte(key), 8))
	}
}
