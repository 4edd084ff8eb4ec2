package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	"SignalFlow/internal/usecase"
	xhttp "SignalFlow/pkg/http"
	xlogger "SignalFlow/pkg/logger"
	"SignalFlow/pkg/util"
)

const healthTimeout = 2 * time.Second

func (h *SignalsHandler) Stats(c echo.Context) error {
	st := models.Statistics{
		Engine: h.signals.Stats(),
		Alerts: h.alerts.Stats(),
	}
	if h.scheduler != nil {
		st.Scheduler = h.scheduler.Stats()
	}
	return xhttp.SuccessResponse(c, st)
}

func (h *SignalsHandler) DeadLetters(c echo.Context) error {
	limit := util.ParseIntDefault(c.QueryParam("limit"), 100)
	rows, err := h.alerts.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return h.fail(c, "list dead letters", err)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

type symbolsResult struct {
	Symbols      []string `json:"symbols"`
	Timeframes   []string `json:"timeframes,omitempty"`
	TasksChanged int      `json:"tasks_changed"`
}

func (h *SignalsHandler) AddSymbols(c echo.Context) error {
	req := &models.SymbolsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	symbols := util.NormalizeSymbols(req.Symbols)
	h.signals.AddSymbols(symbols, req.Timeframes)
	res := symbolsResult{Symbols: symbols, Timeframes: req.Timeframes}
	if h.scheduler != nil {
		res.TasksChanged = h.scheduler.AddSymbols(symbols, req.Timeframes)
	}
	h.logger.Info("symbols added",
		xlogger.Strings("symbols", symbols),
		xlogger.Int("tasks", res.TasksChanged))
	return xhttp.SuccessResponse(c, res)
}

func (h *SignalsHandler) RemoveSymbols(c echo.Context) error {
	req := &models.SymbolsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	symbols := util.NormalizeSymbols(req.Symbols)
	h.signals.RemoveSymbols(symbols)
	res := symbolsResult{Symbols: symbols}
	if h.scheduler != nil {
		res.TasksChanged = h.scheduler.RemoveSymbols(symbols)
	}
	h.logger.Info("symbols removed",
		xlogger.Strings("symbols", symbols),
		xlogger.Int("tasks", res.TasksChanged))
	return xhttp.SuccessResponse(c, res)
}

func (h *SignalsHandler) SchedulerQueue(c echo.Context) error {
	rows := h.scheduler.QueueStatus()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *SignalsHandler) ForceUpdate(c echo.Context) error {
	req := &models.ForceUpdateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.scheduler.ForceUpdate(c.Request().Context(), req.Symbol, req.Timeframe); err != nil {
		return h.fail(c, "force update", err)
	}
	return xhttp.AcceptedResponse(c, map[string]string{
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe,
	})
}

func (h *SignalsHandler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf := domrepo.NormalizeTimeframe(req.TF)
	to := util.ParseTimeDefault(req.To, time.Now().UTC())
	from := util.ParseTimeDefault(req.From, to.Add(-time.Duration(req.Limit)*tf.Duration()))
	if from.After(to) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("from must not be after to"))
	}
	from, to = util.AlignRange(from, to, tf.Duration())

	res, err := h.bars.GetBars(c.Request().Context(), usecase.GetBarsParams{
		Symbol:    req.Symbol,
		From:      from,
		To:        to,
		Timeframe: tf,
		Limit:     req.Limit,
	})
	if err != nil {
		return h.fail(c, "get bars", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health probes every registered dependency and answers 503 if any fails.
func (h *SignalsHandler) Health(c echo.Context) error {
	res := healthResult{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for _, hc := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", xlogger.String("check", hc.Name), xlogger.Error(err))
			res.Checks[hc.Name] = err.Error()
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[hc.Name] = "ok"
	}
	return xhttp.DataResponse(c, status, res)
}
