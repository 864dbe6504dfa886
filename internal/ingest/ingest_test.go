package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protosink/internal/db"
	"protosink/internal/ddl"
	"protosink/internal/domain"
	"protosink/internal/reconciler"
	"protosink/internal/sink"
	"protosink/internal/testutil"
	"protosink/internal/value"
)

var customers = &domain.TableInfo{
	Name:       "customers",
	PrimaryKey: "customer_id",
	Columns: []domain.Column{
		{Name: "customer_id", Type: domain.TypeInteger},
		{Name: "customer_name", Type: domain.TypeString},
	},
}

func messages(payloads ...string) []domain.Message {
	out := make([]domain.Message, len(payloads))
	for i, p := range payloads {
		out[i] = domain.Message{Topic: "customers", Partition: 0, Offset: int64(i), Value: []byte(p)}
	}
	return out
}

func customer(id int, name string) string {
	return fmt.Sprintf(`{"customer_id":%d,"customer_name":%q}`, id, name)
}

// rowsOf turns a batch list, or a single map, into result rows.
func rowsOf(input value.Value) []*value.Map {
	if m, ok := input.AsMap(); ok {
		return []*value.Map{m}
	}
	items, _ := input.AsList()
	rows := make([]*value.Map, 0, len(items))
	for _, it := range items {
		m, _ := it.AsMap()
		rows = append(rows, m)
	}
	return rows
}

func toTable(info *domain.TableInfo) func(context.Context, value.Value) (domain.TransformResult, error) {
	return func(_ context.Context, input value.Value) (domain.TransformResult, error) {
		return domain.TransformResult{Success: true, TableInfo: info, Rows: rowsOf(input)}, nil
	}
}

type harness struct {
	conn *sql.DB
	src  *testutil.MockSource
	dec  *testutil.MockDecoder
	tr   *testutil.MockTransformer
	dl   *testutil.MockDeadLetterSink
	p    *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	conn := db.OpenTestSQLite(t)
	rec := reconciler.New(conn, ddl.SQLite, nil)
	h := &harness{
		conn: conn,
		src:  &testutil.MockSource{},
		dec:  &testutil.MockDecoder{},
		tr:   &testutil.MockTransformer{TransformFn: toTable(customers)},
		dl:   &testutil.MockDeadLetterSink{},
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	opts.DeadLetter = DeadLetterTarget{Name: "mock", Sink: h.dl}
	h.p = New(h.src, h.dec, h.tr, rec, sink.New(conn, ddl.SQLite, rec, sink.Options{}), opts)
	return h
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestProcess_WritesThenCommits(t *testing.T) {
	h := newHarness(t, Options{})
	msgs := messages(customer(1, "Ada"), customer(2, "Grace"), customer(3, "Edsger"))

	require.NoError(t, h.p.Process(context.Background(), msgs))

	assert.Equal(t, 3, h.count(t, "customers"))
	require.Len(t, h.src.Committed(), 1)
	assert.Len(t, h.src.Committed()[0], 3)

	inputs := h.tr.Inputs()
	require.Len(t, inputs, 1, "batch mode calls the plugin once")
	items, ok := inputs[0].AsList()
	require.True(t, ok)
	assert.Len(t, items, 3)

	assert.Equal(t, Stats{Batches: 1, Messages: 3, Rows: 3}, h.p.Stats())
}

func TestProcess_SkipsUndecodableMessages(t *testing.T) {
	h := newHarness(t, Options{})
	h.dec.DecodeFn = func(_ context.Context, raw []byte) (value.Value, error) {
		switch string(raw) {
		case "bad":
			return value.Value{}, domain.ErrMalformed("bad magic byte 0x62")
		case "unknown":
			return value.Value{}, &domain.UnresolvableSchemaError{SchemaID: 7, Err: errors.New("message index out of range")}
		}
		return value.ParseJSON(raw)
	}
	msgs := messages(customer(1, "Ada"), "bad", "", "unknown", customer(2, "Grace"))

	require.NoError(t, h.p.Process(context.Background(), msgs))

	assert.Equal(t, 2, h.count(t, "customers"))
	require.Len(t, h.dl.Letters, 2)
	assert.Equal(t, int64(1), h.dl.Letters[0].Message.Offset)
	assert.Contains(t, h.dl.Letters[0].Reason, "malformed wire format")
	assert.Equal(t, int64(3), h.dl.Letters[1].Message.Offset)
	assert.NotEmpty(t, h.dl.Letters[0].BatchID)
	require.Len(t, h.src.Committed(), 1)
	assert.Len(t, h.src.Committed()[0], 5, "skipped messages are committed too")
}

func TestProcess_RetriesRegistryOutage(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3})
	var calls atomic.Int32
	h.dec.DecodeFn = func(_ context.Context, raw []byte) (value.Value, error) {
		if calls.Add(1) <= 2 {
			return value.Value{}, &domain.RegistryUnavailableError{SchemaID: 1, Err: errors.New("503")}
		}
		return value.ParseJSON(raw)
	}

	require.NoError(t, h.p.Process(context.Background(), messages(customer(1, "Ada"))))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, h.count(t, "customers"))
}

func TestProcess_RegistryOutageFailsBatch(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1})
	h.dec.DecodeFn = func(context.Context, []byte) (value.Value, error) {
		return value.Value{}, &domain.RegistryUnavailableError{SchemaID: 1, Err: errors.New("connection refused")}
	}

	err := h.p.Process(context.Background(), messages(customer(1, "Ada")))
	var unavailable *domain.RegistryUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Empty(t, h.src.Committed())
	assert.Empty(t, h.tr.Inputs())
}

func TestProcess_TransformFailure(t *testing.T) {
	failing := func(context.Context, value.Value) (domain.TransformResult, error) {
		return domain.TransformResult{Success: false, Error: "boom"}, nil
	}

	t.Run("fail", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.tr.TransformFn = failing
		err := h.p.Process(context.Background(), messages(customer(1, "Ada")))
		var te *domain.TransformError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "boom", te.Message)
		assert.Empty(t, h.src.Committed())
	})

	t.Run("skip", func(t *testing.T) {
		h := newHarness(t, Options{SkipTransformErrors: true})
		h.tr.TransformFn = failing
		require.NoError(t, h.p.Process(context.Background(), messages(customer(1, "Ada"), customer(2, "Grace"))))
		require.Len(t, h.dl.Letters, 2)
		assert.Equal(t, "transform failed: boom", h.dl.Letters[0].Reason)
		assert.Len(t, h.src.Committed(), 1)
	})
}

func TestProcess_SingleMode(t *testing.T) {
	h := newHarness(t, Options{Mode: ModeSingle, SkipTransformErrors: true})
	h.tr.Workers = 4
	h.tr.TransformFn = func(ctx context.Context, input value.Value) (domain.TransformResult, error) {
		m, _ := input.AsMap()
		if name, _ := m.Get("customer_name"); name.Equal(value.String("Mallory")) {
			return domain.TransformResult{Success: false, Error: "rejected"}, nil
		}
		return toTable(customers)(ctx, input)
	}
	msgs := messages(customer(1, "Ada"), customer(2, "Mallory"), customer(3, "Grace"))

	require.NoError(t, h.p.Process(context.Background(), msgs))

	assert.Len(t, h.tr.Inputs(), 3)
	assert.Equal(t, 2, h.count(t, "customers"))
	require.Len(t, h.dl.Letters, 1)
	assert.Equal(t, int64(1), h.dl.Letters[0].Message.Offset)
}

func TestProcess_PluginFaultReloadsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	var faulted atomic.Bool
	faulted.Store(true)
	h.tr.TransformFn = func(ctx context.Context, input value.Value) (domain.TransformResult, error) {
		if faulted.Load() {
			return domain.TransformResult{}, &domain.PluginFaultedError{Plugin: "mock.js", Err: errors.New("no execution context left")}
		}
		return toTable(customers)(ctx, input)
	}
	h.tr.ReloadFn = func(context.Context) error {
		faulted.Store(false)
		return nil
	}

	require.NoError(t, h.p.Process(context.Background(), messages(customer(1, "Ada"))))
	assert.Equal(t, 1, h.tr.Reloads())
	assert.Equal(t, 1, h.count(t, "customers"))
}

func TestProcess_FatalPluginErrors(t *testing.T) {
	tests := []struct {
		name      string
		transform func(context.Context, value.Value) (domain.TransformResult, error)
		reload    func(context.Context) error
	}{
		{
			name: "timeout",
			transform: func(context.Context, value.Value) (domain.TransformResult, error) {
				return domain.TransformResult{}, &domain.TransformTimeoutError{Plugin: "mock.js", Timeout: "5s"}
			},
		},
		{
			name: "reload_fails",
			transform: func(context.Context, value.Value) (domain.TransformResult, error) {
				return domain.TransformResult{}, &domain.PluginFaultedError{Plugin: "mock.js", Err: errors.New("gone")}
			},
			reload: func(context.Context) error { return errors.New("module vanished") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{SkipTransformErrors: true})
			h.tr.TransformFn = tt.transform
			h.tr.ReloadFn = tt.reload
			require.Error(t, h.p.Process(context.Background(), messages(customer(1, "Ada"))))
			assert.Empty(t, h.src.Committed())
			assert.Empty(t, h.dl.Letters)
		})
	}
}

func TestProcess_FailingTableKeepsOtherTables(t *testing.T) {
	h := newHarness(t, Options{})
	orders := &domain.TableInfo{Name: "orders", Columns: []domain.Column{{Name: "amount", Type: domain.TypeInteger}}}
	ordersAsBool := &domain.TableInfo{Name: "orders", Columns: []domain.Column{{Name: "amount", Type: domain.TypeBoolean}}}

	h.tr.TransformFn = func(context.Context, value.Value) (domain.TransformResult, error) {
		m := value.NewMap()
		m.Set("amount", value.Int(5))
		return domain.TransformResult{Success: true, TableInfo: orders, Rows: []*value.Map{m}}, nil
	}
	require.NoError(t, h.p.Process(context.Background(), messages(customer(1, "Ada"))))

	// A batch mapping to two tables in single mode, where orders now
	// declares an incompatible type.
	h.p.opts.Mode = ModeSingle
	h.tr.TransformFn = func(ctx context.Context, input value.Value) (domain.TransformResult, error) {
		m, _ := input.AsMap()
		if _, ok := m.Get("amount"); ok {
			row := value.NewMap()
			row.Set("amount", value.Bool(true))
			return domain.TransformResult{Success: true, TableInfo: ordersAsBool, Rows: []*value.Map{row}}, nil
		}
		return toTable(customers)(ctx, input)
	}
	err := h.p.Process(context.Background(), messages(customer(1, "Ada"), `{"amount":1}`))

	var change *domain.UnsupportedSchemaChangeError
	require.ErrorAs(t, err, &change)
	assert.Equal(t, 1, h.count(t, "customers"), "customers committed despite the orders failure")
	assert.Len(t, h.src.Committed(), 1, "second batch not committed")
}

func TestProcess_DeadLetterFailureFailsBatch(t *testing.T) {
	h := newHarness(t, Options{})
	h.dl.SendFn = func(context.Context, []domain.DeadLetter) error { return errors.New("broker down") }

	err := h.p.Process(context.Background(), messages(customer(1, "Ada"), "not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter 1 messages to mock")
	assert.Empty(t, h.src.Committed())
}

func TestRun_DrainsSourceAndAdaptsBatchSize(t *testing.T) {
	h := newHarness(t, Options{Batch: BatchOptions{Initial: 2, Min: 1, Max: 3, Target: time.Hour}})
	h.src.Batches = [][]domain.Message{
		messages(customer(1, "a"), customer(2, "b")),
		messages(customer(3, "c")),
		messages(customer(4, "d")),
	}

	require.NoError(t, h.p.Run(context.Background()))

	assert.Equal(t, []int{2, 3, 3, 3}, h.src.Limits())
	assert.Len(t, h.src.Committed(), 3)
	assert.False(t, h.p.Running())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.PollFn = func(ctx context.Context, _ int) ([]domain.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	require.Eventually(t, h.p.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_ReturnsBatchFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.Batches = [][]domain.Message{messages(customer(1, "a"))}
	h.tr.TransformFn = func(context.Context, value.Value) (domain.TransformResult, error) {
		return domain.TransformResult{Success: false, Error: "boom"}, nil
	}

	err := h.p.Run(context.Background())
	var te *domain.TransformError
	require.ErrorAs(t, err, &te)
	assert.Empty(t, h.src.Committed())
}

func TestSizer(t *testing.T) {
	s := NewSizer(BatchOptions{Initial: 4, Min: 2, Max: 5, Target: 100 * time.Millisecond})
	assert.Equal(t, 4, s.Size())
	assert.Equal(t, 5, s.Observe(50*time.Millisecond))
	assert.Equal(t, 5, s.Observe(100*time.Millisecond), "capped at max")
	assert.Equal(t, 2, s.Observe(time.Second))
	assert.Equal(t, 2, s.Observe(time.Second), "floored at min")

	clamped := NewSizer(BatchOptions{Initial: 50, Min: 0, Max: 10})
	assert.Equal(t, 10, clamped.Size())
	assert.Equal(t, 10, clamped.Observe(time.Hour), "no target always grows")
}
