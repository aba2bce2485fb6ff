package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/lifecycle"
	"github.com/alanyoungcy/leveragebot/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePosition() domain.Position {
	ts := decimal.RequireFromString("104.5")
	return domain.Position{
		ID:        "pos-1",
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		Status:    domain.PositionStatusOpen,
		Stages: []domain.Stage{{
			Number:     1,
			Investment: decimal.NewFromInt(100),
			Leverage:   10,
			EntryPrice: decimal.NewFromInt(100),
		}},
		AverageEntry:     decimal.NewFromInt(100),
		Size:             decimal.NewFromInt(1000),
		TakeProfitPrice:  decimal.RequireFromString("106"),
		TrailingStop:     &ts,
		LiquidationPrice: decimal.RequireFromString("90.5"),
	}
}

type fakePositions struct {
	active  []domain.Position
	history []domain.Position
	opts    domain.ListOpts
	err     error
}

func (f *fakePositions) ListActive(context.Context) ([]domain.Position, error) {
	return f.active, f.err
}

func (f *fakePositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	for _, p := range f.active {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakePositions) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	f.opts = opts
	return f.history, f.err
}

type fakeOpener struct {
	got service.OpenRequest
	err error
}

func (f *fakeOpener) OpenPosition(_ context.Context, req service.OpenRequest) (domain.Position, error) {
	f.got = req
	if f.err != nil {
		return domain.Position{}, f.err
	}
	p := samplePosition()
	p.Symbol = req.Symbol
	return p, nil
}

type fakeTracker struct{ ids []string }

func (f *fakeTracker) Track(id, _ string) { f.ids = append(f.ids, id) }

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestListPositions(t *testing.T) {
	store := &fakePositions{
		active:  []domain.Position{samplePosition()},
		history: []domain.Position{samplePosition(), samplePosition()},
	}
	h := NewPositionHandler(store, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Positions []map[string]any `json:"positions"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Positions, 1)
	p := resp.Positions[0]
	assert.Equal(t, "pos-1", p["id"])
	assert.Equal(t, "90.5", p["liquidation_price"])
	assert.Equal(t, "104.5", p["trailing_stop"])
	assert.Equal(t, "100", p["total_investment"])

	rec = httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?scope=history&limit=900&offset=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Len(t, resp.Positions, 2)
	assert.Equal(t, 500, store.opts.Limit)
	assert.Equal(t, 2, store.opts.Offset)

	rec = httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?scope=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestGetPosition(t *testing.T) {
	h := NewPositionHandler(&fakePositions{active: []domain.Position{samplePosition()}}, nil, nil, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/pos-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenPosition(t *testing.T) {
	opener := &fakeOpener{}
	tracker := &fakeTracker{}
	h := NewPositionHandler(&fakePositions{}, opener, tracker, discardLogger())

	body := `{"symbol":"ETHUSDT","direction":"long","investment":"250.5","leverage":5,"entry_price":"3000","confidence":0.8}`
	rec := httptest.NewRecorder()
	h.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ETHUSDT", opener.got.Symbol)
	assert.True(t, opener.got.Investment.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 5, opener.got.Leverage)
	assert.Equal(t, []string{"pos-1"}, tracker.ids)

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"unknown field", `{"symbol":"X","size":1}`, nil, http.StatusBadRequest},
		{"bad decimal", `{"symbol":"X","investment":"abc","entry_price":"1"}`, nil, http.StatusBadRequest},
		{"validation", `{"symbol":"X","investment":"1","entry_price":"1"}`, &domain.ValidationError{Field: "direction", Reason: "unknown"}, http.StatusBadRequest},
		{"store failure", `{"symbol":"X","investment":"1","entry_price":"1"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener.err = tt.err
			rec := httptest.NewRecorder()
			h.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	disabled := NewPositionHandler(&fakePositions{}, nil, nil, discardLogger())
	rec = httptest.NewRecorder()
	disabled.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeEngine struct{ h lifecycle.Health }

func (f fakeEngine) Health() lifecycle.Health { return f.h }

func TestHealthCheck(t *testing.T) {
	ok := NewHealthHandler(fakeEngine{lifecycle.Health{Status: "ok", TrackedPositions: 3}}, map[string]Pinger{
		"redis": func(context.Context) error { return nil },
	}, discardLogger())
	rec := httptest.NewRecorder()
	ok.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, map[string]any{"redis": "ok"}, resp["dependencies"])

	degraded := NewHealthHandler(fakeEngine{lifecycle.Health{Status: "degraded", Degraded: true}}, nil, discardLogger())
	rec = httptest.NewRecorder()
	degraded.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, "degraded", resp["status"])

	down := NewHealthHandler(nil, map[string]Pinger{
		"postgres": func(context.Context) error { return errors.New("refused") },
	}, discardLogger())
	rec = httptest.NewRecorder()
	down.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeExecution struct {
	metrics domain.ExecutionMetrics
	active  []domain.ExecutionOrder
}

func (f fakeExecution) Metrics() domain.ExecutionMetrics { return f.metrics }
func (f fakeExecution) ActiveOrders() []domain.ExecutionOrder { return f.active }

type fakeHistory struct {
	limit int
}

func (f *fakeHistory) ListRecent(_ context.Context, limit int) ([]domain.ExecutionOrder, error) {
	f.limit = limit
	return []domain.ExecutionOrder{{ID: "o-1", Status: domain.ExecutionExecuted}}, nil
}

func TestExecutionEndpoints(t *testing.T) {
	src := fakeExecution{
		metrics: domain.ExecutionMetrics{
			TotalOrders: 4,
			Executed:    3,
			Rejected:    1,
			SuccessRate: 0.75,
			AvgLatency:  1500 * time.Microsecond,
			TotalPnL:    decimal.RequireFromString("12.5"),
		},
		active: []domain.ExecutionOrder{{ID: "o-open", Status: domain.ExecutionPending}},
	}
	history := &fakeHistory{}
	h := NewExecutionHandler(src, history, discardLogger())

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/api/execution/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var m map[string]any
	decode(t, rec, &m)
	assert.EqualValues(t, 4, m["total_orders"])
	assert.EqualValues(t, 1.5, m["avg_latency_ms"])
	assert.Equal(t, "12.5", m["total_pnl"])

	var orders struct {
		Orders []map[string]any `json:"orders"`
	}
	rec = httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/execution/orders", nil))
	decode(t, rec, &orders)
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, "o-open", orders.Orders[0]["id"])

	rec = httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/execution/orders?scope=recent&limit=20", nil))
	decode(t, rec, &orders)
	assert.Equal(t, "o-1", orders.Orders[0]["id"])
	assert.Equal(t, 20, history.limit)

	noHistory := NewExecutionHandler(src, nil, discardLogger())
	rec = httptest.NewRecorder()
	noHistory.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/execution/orders?scope=recent", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeStream struct {
	lastID string
	count  int
	msgs   []domain.StreamMessage
}

func (f *fakeStream) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	f.lastID, f.count = lastID, count
	return f.msgs, nil
}

func TestListEvents(t *testing.T) {
	stream := &fakeStream{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"event":"position_opened"}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
	}}
	h := NewEventsHandler(stream, "positions:events", discardLogger())

	rec := httptest.NewRecorder()
	h.ListEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events?after=0-5&count=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0-5", stream.lastID)
	assert.Equal(t, 1000, stream.count)

	var resp struct {
		Events []struct {
			ID    string          `json:"id"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
		Next string `json:"next"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Events, 2)
	assert.JSONEq(t, `{"event":"position_opened"}`, string(resp.Events[0].Event))
	assert.JSONEq(t, `"not json"`, string(resp.Events[1].Event))
	assert.Equal(t, "2-0", resp.Next)
}

type fakeJournal struct {
	runs int
	err  error
}

func (f *fakeJournal) Archives(context.Context) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{{Path: "journal/2026/03/01/audit-000000000001-000000000002.jsonl", Size: 42}}, f.err
}

func (f *fakeJournal) RunOnce(context.Context) (domain.ArchiveResult, error) {
	if f.err != nil {
		return domain.ArchiveResult{}, f.err
	}
	f.runs++
	return domain.ArchiveResult{Files: []string{"a.jsonl"}, Entries: 2, LastID: 2}, nil
}

func (f *fakeJournal) Last() (domain.ArchiveResult, int) {
	return domain.ArchiveResult{}, f.runs
}

func TestJournalEndpoints(t *testing.T) {
	j := &fakeJournal{}
	h := NewJournalHandler(j, j, discardLogger())

	rec := httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/journal/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"files":["a.jsonl"],"entries":2,"last_id":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/journal", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decode(t, rec, &resp)
	assert.EqualValues(t, 1, resp["runs"])
	assert.Len(t, resp["files"], 1)

	j.err = errors.New("s3 down")
	rec = httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/journal/run", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
