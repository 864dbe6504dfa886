package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"protosink/internal/config"
	"protosink/internal/replay"
)

const stampsPlugin = `
function transform(input) {
  const items = Array.isArray(input) ? input : [input];
  return {
    success: true,
    table_info: {
      name: "stamps",
      primary_key: "seconds",
      columns: [{ name: "seconds", type: "integer" }],
    },
    rows: items.map((i) => ({ seconds: i.seconds, doubled: i.seconds * 2 })),
  };
}
`

func writeReplayFile(t *testing.T, dir string, seconds ...int64) string {
	t.Helper()
	path := filepath.Join(dir, "stamps.bin.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	md := (&timestamppb.Timestamp{}).ProtoReflect().Descriptor()
	w, err := replay.NewWriter(f, uint32(len(seconds)), replay.FileSet(md))
	require.NoError(t, err)
	for _, s := range seconds {
		raw, err := proto.Marshal(&timestamppb.Timestamp{Seconds: s})
		require.NoError(t, err)
		require.NoError(t, w.Write(replay.Record{Key: []byte("k"), Value: raw}))
	}
	require.NoError(t, w.Close())
	return path
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	plugin := filepath.Join(dir, "stamps.js")
	require.NoError(t, os.WriteFile(plugin, []byte(stampsPlugin), 0o600))

	cfg := config.Default()
	cfg.PluginPath = plugin
	cfg.PluginWorkers = 1
	cfg.DatabaseURL = "sqlite://" + filepath.Join(dir, "dest.sqlite")
	cfg.DeadLetter = "table"
	cfg.BatchSize = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewReplay_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	path := writeReplayFile(t, dir, 10, 20, 30, 20)
	ctx := context.Background()

	a, src, err := NewReplay(ctx, cfg, nil, path, "google.protobuf.Timestamp")
	require.NoError(t, err)
	defer a.Close(ctx) //nolint:errcheck

	require.NoError(t, a.Pipeline.Run(ctx))
	assert.Equal(t, int64(4), src.Committed())

	var n, doubled int
	require.NoError(t, a.DB.QueryRow(`SELECT COUNT(*) FROM stamps`).Scan(&n))
	assert.Equal(t, 3, n, "duplicate keys upserted")
	require.NoError(t, a.DB.QueryRow(`SELECT doubled FROM stamps WHERE seconds = 30`).Scan(&doubled))
	assert.Equal(t, 60, doubled)

	stats := a.Pipeline.Stats()
	assert.Equal(t, int64(4), stats.Messages)
	assert.Zero(t, stats.Skipped)
}

func TestNewReplay_Errors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	t.Run("unknown_type", func(t *testing.T) {
		cfg := testConfig(t, dir)
		path := writeReplayFile(t, dir, 1)
		_, _, err := NewReplay(ctx, cfg, nil, path, "pkg.Missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pkg.Missing")
	})

	t.Run("missing_plugin", func(t *testing.T) {
		cfg := testConfig(t, dir)
		cfg.PluginPath = filepath.Join(dir, "missing.js")
		_, _, err := NewReplay(ctx, cfg, nil, writeReplayFile(t, dir, 1), "google.protobuf.Timestamp")
		require.Error(t, err)
	})

	t.Run("bad_destination", func(t *testing.T) {
		cfg := testConfig(t, dir)
		cfg.DatabaseURL = "mysql://nope"
		_, _, err := NewReplay(ctx, cfg, nil, writeReplayFile(t, dir, 1), "google.protobuf.Timestamp")
		assert.ErrorContains(t, err, "unsupported destination")
	})
}

func TestChecks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	a, _, err := NewReplay(ctx, cfg, nil, writeReplayFile(t, dir, 1), "google.protobuf.Timestamp")
	require.NoError(t, err)
	defer a.Close(ctx) //nolint:errcheck

	checks := a.Checks()
	require.NoError(t, checks["database"](ctx))
	require.NoError(t, checks["plugin"](ctx))
	assert.ErrorContains(t, checks["pipeline"](ctx), "not running")
}
