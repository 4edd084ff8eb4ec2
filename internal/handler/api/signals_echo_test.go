package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/usecase"
)

type fakeSignals struct {
	active      []*models.TradingSignal
	gotSymbol   string
	gotPriority *models.Priority
	gotLimit    int
	updateErr   error
	added       []string
	removed     []string
}

func (f *fakeSignals) GetActiveSignals(symbol string, prio *models.Priority) []*models.TradingSignal {
	f.gotSymbol, f.gotPriority = symbol, prio
	return f.active
}

func (f *fakeSignals) GetSignal(id string) (*models.TradingSignal, error) {
	for _, s := range f.active {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, usecase.ErrNotFound
}

func (f *fakeSignals) GetSignalHistory(limit int) []*models.TradingSignal {
	f.gotLimit = limit
	return nil
}

func (f *fakeSignals) UpdateSignalStatus(_ context.Context, id string, st models.SignalStatus) (*models.TradingSignal, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &models.TradingSignal{ID: id, Status: st}, nil
}

func (f *fakeSignals) AddSymbols(symbols, _ []string) { f.added = symbols }
func (f *fakeSignals) RemoveSymbols(symbols []string) { f.removed = symbols }
func (f *fakeSignals) Stats() models.EngineStats {
	return models.EngineStats{ActiveSignals: len(f.active)}
}

type fakeAlerts struct{}

func (fakeAlerts) Stats() models.AlertStats { return models.AlertStats{Sent: 7} }
func (fakeAlerts) DeadLetters(context.Context, int) ([]*models.Alert, error) {
	return []*models.Alert{{ID: "a1"}}, nil
}

type fakeScheduler struct {
	added    []string
	forceErr error
}

func (f *fakeScheduler) AddSymbols(symbols, tfs []string) int {
	f.added = symbols
	return len(symbols) * len(tfs)
}
func (f *fakeScheduler) RemoveSymbols(symbols []string) int { return len(symbols) }
func (f *fakeScheduler) ForceUpdate(context.Context, string, string) error {
	return f.forceErr
}
func (f *fakeScheduler) QueueStatus() []models.UpdateTask { return nil }
func (f *fakeScheduler) Stats() models.SchedulerStats {
	return models.SchedulerStats{TotalUpdates: 3}
}

type response struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func serve(t *testing.T, h *SignalsHandler, method, path, body string) (int, response) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var r response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r), rec.Body.String())
	return rec.Code, r
}

func TestActiveSignals(t *testing.T) {
	sigs := &fakeSignals{active: []*models.TradingSignal{{ID: "s1", Symbol: "AAPL", Priority: models.PriorityHigh}}}
	h := NewSignalsHandler(nil, sigs, fakeAlerts{})

	code, r := serve(t, h, http.MethodGet, "/api/signals?symbol=AAPL&priority=high", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AAPL", sigs.gotSymbol)
	require.NotNil(t, sigs.gotPriority)
	assert.Equal(t, models.PriorityHigh, *sigs.gotPriority)

	var list struct {
		Rows  []models.TradingSignal `json:"rows"`
		Total int64                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &list))
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, "s1", list.Rows[0].ID)

	code, _ = serve(t, h, http.MethodGet, "/api/signals?priority=urgent", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSignalLookupAndHistory(t *testing.T) {
	sigs := &fakeSignals{active: []*models.TradingSignal{{ID: "s1"}}}
	h := NewSignalsHandler(nil, sigs, fakeAlerts{})

	code, _ := serve(t, h, http.MethodGet, "/api/signals/s1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = serve(t, h, http.MethodGet, "/api/signals/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, h, http.MethodGet, "/api/signals/history", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100, sigs.gotLimit)
	code, _ = serve(t, h, http.MethodGet, "/api/signals/history?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateStatus(t *testing.T) {
	sigs := &fakeSignals{}
	h := NewSignalsHandler(nil, sigs, fakeAlerts{})

	code, r := serve(t, h, http.MethodPatch, "/api/signals/s1/status", `{"status":"executed"}`)
	require.Equal(t, http.StatusOK, code)
	var s models.TradingSignal
	require.NoError(t, json.Unmarshal(r.Data, &s))
	assert.Equal(t, models.StatusExecuted, s.Status)

	code, _ = serve(t, h, http.MethodPatch, "/api/signals/s1/status", `{"status":"PENDING"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	sigs.updateErr = usecase.ErrInvalidTransition
	code, _ = serve(t, h, http.MethodPatch, "/api/signals/s1/status", `{"status":"TRIGGERED"}`)
	assert.Equal(t, http.StatusConflict, code)

	sigs.updateErr = errors.New("disk full")
	code, _ = serve(t, h, http.MethodPatch, "/api/signals/s1/status", `{"status":"TRIGGERED"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestSymbolsReachEngineAndScheduler(t *testing.T) {
	sigs := &fakeSignals{}
	sched := &fakeScheduler{}
	h := NewSignalsHandler(nil, sigs, fakeAlerts{}, WithScheduler(sched))

	code, r := serve(t, h, http.MethodPost, "/api/symbols", `{"symbols":[" aapl","AAPL","msft"],"timeframes":["1h","1d"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"AAPL", "MSFT"}, sigs.added)
	assert.Equal(t, []string{"AAPL", "MSFT"}, sched.added)
	var res symbolsResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, 4, res.TasksChanged)

	code, _ = serve(t, h, http.MethodDelete, "/api/symbols", `{"symbols":["msft"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"MSFT"}, sigs.removed)

	code, _ = serve(t, h, http.MethodPost, "/api/symbols", `{"symbols":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestForceUpdate(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewSignalsHandler(nil, &fakeSignals{}, fakeAlerts{}, WithScheduler(sched))

	code, _ := serve(t, h, http.MethodPost, "/api/scheduler/force", `{"symbol":"AAPL","timeframe":"1h"}`)
	assert.Equal(t, http.StatusAccepted, code)

	sched.forceErr = usecase.ErrTaskBusy
	code, _ = serve(t, h, http.MethodPost, "/api/scheduler/force", `{"symbol":"AAPL","timeframe":"1h"}`)
	assert.Equal(t, http.StatusConflict, code)

	sched.forceErr = usecase.ErrTaskNotFound
	code, _ = serve(t, h, http.MethodPost, "/api/scheduler/force", `{"symbol":"AAPL","timeframe":"1h"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, h, http.MethodPost, "/api/scheduler/force", `{"symbol":"AAPL","timeframe":"2h"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatsAndDeadLetters(t *testing.T) {
	h := NewSignalsHandler(nil, &fakeSignals{}, fakeAlerts{}, WithScheduler(&fakeScheduler{}))

	code, r := serve(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	var st models.Statistics
	require.NoError(t, json.Unmarshal(r.Data, &st))
	assert.Equal(t, int64(7), st.Alerts.Sent)
	assert.Equal(t, int64(3), st.Scheduler.TotalUpdates)

	code, _ = serve(t, h, http.MethodGet, "/api/alerts/dead-letters?limit=10", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth(t *testing.T) {
	ok := HealthCheck{Name: "clickhouse", Check: func(context.Context) error { return nil }}
	h := NewSignalsHandler(nil, &fakeSignals{}, fakeAlerts{}, WithHealthChecks(ok))
	code, _ := serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	bad := HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}
	h = NewSignalsHandler(nil, &fakeSignals{}, fakeAlerts{}, WithHealthChecks(ok, bad))
	code, r := serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var res healthResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, "ok", res.Checks["clickhouse"])
}

type fakeBars struct{ got usecase.GetBarsParams }

func (f *fakeBars) GetBars(_ context.Context, p usecase.GetBarsParams) (*usecase.GetBarsResult, error) {
	f.got = p
	return &usecase.GetBarsResult{Symbol: p.Symbol, Timeframe: string(p.Timeframe)}, nil
}

func TestBars(t *testing.T) {
	bars := &fakeBars{}
	h := NewSignalsHandler(nil, &fakeSignals{}, fakeAlerts{}, WithBars(bars))

	code, _ := serve(t, h, http.MethodGet, "/api/bars?symbol=AAPL&tf=1h&from=2024-03-04T10:30:00Z&to=2024-03-04T14:45:00Z&limit=10", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AAPL", bars.got.Symbol)
	assert.Equal(t, 10, bars.got.Limit)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), bars.got.From)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), bars.got.To)

	code, _ = serve(t, h, http.MethodGet, "/api/bars?symbol=AAPL&from=2024-03-05&to=2024-03-04", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = serve(t, h, http.MethodGet, "/api/bars?tf=1h", "")
	assert.Equal(t, http.StatusBadRequest, code)
}
