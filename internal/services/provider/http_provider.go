package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"SignalFlow/internal/domain/models"
	xhttp "SignalFlow/pkg/http"
	"SignalFlow/pkg/logger"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("bar provider unavailable")

type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPProvider fetches OHLCV bars from a REST endpoint:
//
//	GET {base}/v1/bars?symbol=&timeframe=&start=&end=
//
// answering {"bars":[{"t":unix_ms,"o":..,"h":..,"l":..,"c":..,"v":..}]}.
type HTTPProvider struct {
	cfg     Config
	client  *xhttp.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *logger.Logger
}

type wireBar struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

type barsResponse struct {
	Bars []wireBar `json:"bars"`
}

func NewHTTPProvider(cfg Config, client *xhttp.Client, l *logger.Logger) *HTTPProvider {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if client == nil {
		client = xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout))
	}
	if l == nil {
		l = logger.NewNop()
	}
	failures := cfg.BreakerFailures
	st := gobreaker.Settings{
		Name:    "bar-provider",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		},
	}
	return &HTTPProvider{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		cb:      gobreaker.NewCircuitBreaker(st),
		logger:  l,
	}
}

// FetchBars returns validated bars in ascending time order with duplicates removed.
func (p *HTTPProvider) FetchBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	res, err := p.cb.Execute(func() (interface{}, error) {
		var resp barsResponse
		err := p.client.SendAndParse(ctx, &xhttp.RequestOptions{
			Method:  xhttp.MethodGet,
			URL:     strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/bars",
			Headers: p.headers(),
			QueryParams: map[string][]string{
				"symbol":    {symbol},
				"timeframe": {timeframe},
				"start":     {start.UTC().Format(time.RFC3339)},
				"end":       {end.UTC().Format(time.RFC3339)},
			},
		}, &resp)
		return resp.Bars, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", symbol, timeframe, err)
	}

	wire, _ := res.([]wireBar)
	bars := make([]models.Bar, 0, len(wire))
	for _, w := range wire {
		b := models.Bar{
			Timestamp: time.UnixMilli(w.T).UTC(),
			Open:      w.O, High: w.H, Low: w.L, Close: w.C, Volume: w.V,
		}
		if !b.Valid() {
			p.logger.Debug("dropping invalid bar",
				logger.String("symbol", symbol),
				logger.Time("timestamp", b.Timestamp))
			continue
		}
		bars = append(bars, b)
	}
	return normalize(bars), nil
}

func (p *HTTPProvider) headers() map[string]string {
	if p.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

// normalize sorts by time and keeps the last bar seen for each timestamp.
func normalize(bars []models.Bar) []models.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
