package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	pkgkafka "SignalFlow/pkg/kafka"
	"SignalFlow/pkg/logger"
)

// StatusUpdater applies external status transitions to tracked signals.
type StatusUpdater interface {
	UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus) (*models.TradingSignal, error)
}

// ExecutionFeedbackHandler consumes broker fills and moves signals along their lifecycle.
type ExecutionFeedbackHandler struct {
	topic   string
	engine  StatusUpdater
	metrics domrepo.Metrics
	logger  *logger.Logger
}

func NewExecutionFeedbackHandler(topic string, engine StatusUpdater, metrics domrepo.Metrics, l *logger.Logger) *ExecutionFeedbackHandler {
	return &ExecutionFeedbackHandler{topic: topic, engine: engine, metrics: metrics, logger: l}
}

func (h *ExecutionFeedbackHandler) Topic() string { return h.topic }

// incoming message schema: {signal_id, status, t}
func (h *ExecutionFeedbackHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		SignalID string `json:"signal_id"`
		Status   string `json:"status"`
		T        int64  `json:"t"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("feedback_unmarshal")
		return fmt.Errorf("decode feedback: %w", err)
	}
	if m.SignalID == "" {
		h.metrics.RecordError("feedback_invalid")
		return fmt.Errorf("decode feedback: signal_id required")
	}
	status, err := models.ParseStatus(m.Status)
	if err != nil {
		h.metrics.RecordError("feedback_invalid")
		return fmt.Errorf("decode feedback: %w", err)
	}
	if m.T > 0 {
		if m.T > 1e11 { // ms
			m.T = m.T / 1000
		}
		h.metrics.RecordLatency("feedback_lag_seconds", time.Since(time.Unix(m.T, 0)).Seconds())
	}

	_, err = h.engine.UpdateSignalStatus(ctx, m.SignalID, status)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		// replayed or stale feedback
		h.logger.Warn("feedback ignored",
			logger.String("signal_id", m.SignalID),
			logger.String("status", string(status)),
			logger.String("reason", err.Error()))
		return nil
	default:
		h.metrics.RecordError("feedback_apply")
		return fmt.Errorf("apply feedback %s: %w", m.SignalID, err)
	}
}

var _ pkgkafka.MessageHandler = (*ExecutionFeedbackHandler)(nil)
