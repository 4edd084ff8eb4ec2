package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/usecase"
	xhttp "SignalFlow/pkg/http"
	xlogger "SignalFlow/pkg/logger"
)

// SignalService is the part of the signal engine served over HTTP.
type SignalService interface {
	GetActiveSignals(symbol string, prio *models.Priority) []*models.TradingSignal
	GetSignal(id string) (*models.TradingSignal, error)
	GetSignalHistory(limit int) []*models.TradingSignal
	UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus) (*models.TradingSignal, error)
	AddSymbols(symbols, timeframes []string)
	RemoveSymbols(symbols []string)
	Stats() models.EngineStats
}

// AlertService exposes alert engine state.
type AlertService interface {
	Stats() models.AlertStats
	DeadLetters(ctx context.Context, limit int) ([]*models.Alert, error)
}

// SchedulerService is the control half of the data scheduler.
type SchedulerService interface {
	AddSymbols(symbols, timeframes []string) int
	RemoveSymbols(symbols []string) int
	ForceUpdate(ctx context.Context, symbol, timeframe string) error
	QueueStatus() []models.UpdateTask
	Stats() models.SchedulerStats
}

// BarsReader serves stored bars.
type BarsReader interface {
	GetBars(ctx context.Context, p usecase.GetBarsParams) (*usecase.GetBarsResult, error)
}

// HealthCheck is one named dependency probe for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// SignalsHandler implements the control surface on Echo.
type SignalsHandler struct {
	logger    *xlogger.Logger
	signals   SignalService
	alerts    AlertService
	scheduler SchedulerService
	bars      BarsReader
	alertsWS  http.Handler
	wsPath    string
	checks    []HealthCheck
}

// HandlerOption configures optional collaborators.
type HandlerOption func(*SignalsHandler)

// WithScheduler enables the scheduler routes. Without it symbol changes only reach the engine.
func WithScheduler(s SchedulerService) HandlerOption {
	return func(h *SignalsHandler) { h.scheduler = s }
}

func WithBars(b BarsReader) HandlerOption {
	return func(h *SignalsHandler) { h.bars = b }
}

// WithAlertStream mounts the websocket broadcaster at path.
func WithAlertStream(path string, ws http.Handler) HandlerOption {
	return func(h *SignalsHandler) {
		h.wsPath = path
		h.alertsWS = ws
	}
}

func WithHealthChecks(checks ...HealthCheck) HandlerOption {
	return func(h *SignalsHandler) { h.checks = append(h.checks, checks...) }
}

func NewSignalsHandler(logger *xlogger.Logger, signals SignalService, alerts AlertService, opts ...HandlerOption) *SignalsHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	h := &SignalsHandler{logger: logger, signals: signals, alerts: alerts}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *SignalsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/signals", h.ActiveSignals)
	g.GET("/signals/history", h.History)
	g.GET("/signals/:id", h.Signal)
	g.PATCH("/signals/:id/status", h.UpdateStatus)
	g.GET("/stats", h.Stats)
	g.GET("/alerts/dead-letters", h.DeadLetters)
	g.POST("/symbols", h.AddSymbols)
	g.DELETE("/symbols", h.RemoveSymbols)
	if h.scheduler != nil {
		g.GET("/scheduler/queue", h.SchedulerQueue)
		g.POST("/scheduler/force", h.ForceUpdate)
	}
	if h.bars != nil {
		g.GET("/bars", h.Bars)
	}
	if h.alertsWS != nil {
		e.GET(h.wsPath, echo.WrapHandler(h.alertsWS))
	}
}

func (h *SignalsHandler) ActiveSignals(c echo.Context) error {
	req := &models.ActiveSignalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var prio *models.Priority
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err))
		}
		prio = &p
	}
	rows := h.signals.GetActiveSignals(req.Symbol, prio)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *SignalsHandler) Signal(c echo.Context) error {
	s, err := h.signals.GetSignal(c.Param("id"))
	if err != nil {
		return h.fail(c, "get signal", err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *SignalsHandler) History(c echo.Context) error {
	req := &models.SignalHistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.signals.GetSignalHistory(req.Limit)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *SignalsHandler) UpdateStatus(c echo.Context) error {
	req := &models.UpdateStatusRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	st, err := models.ParseStatus(req.Status)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err))
	}
	s, err := h.signals.UpdateSignalStatus(c.Request().Context(), c.Param("id"), st)
	if err != nil {
		return h.fail(c, "update signal status", err)
	}
	h.logger.Info("signal status updated via api",
		xlogger.String("signal_id", s.ID),
		xlogger.String("status", string(s.Status)))
	return xhttp.SuccessResponse(c, s)
}

// fail maps domain errors onto AppError responses.
func (h *SignalsHandler) fail(c echo.Context, op string, err error) error {
	var appErr *xhttp.AppError
	switch {
	case errors.Is(err, usecase.ErrNotFound), errors.Is(err, usecase.ErrTaskNotFound):
		appErr = xhttp.NotFoundErrorf("%v", err)
	case errors.Is(err, usecase.ErrInvalidTransition), errors.Is(err, usecase.ErrTaskBusy):
		appErr = xhttp.ConflictErrorf("%v", err)
	default:
		h.logger.Error(op+" failed", xlogger.Error(err))
		appErr = xhttp.InternalErrorf("%s failed", op).WithError(err)
	}
	return xhttp.AppErrorResponse(c, appErr)
}
