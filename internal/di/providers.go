package di

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	domsvc "SignalFlow/internal/domain/service"
	"SignalFlow/internal/handler/api"
	mid "SignalFlow/internal/middleware"
	internalrepo "SignalFlow/internal/repository"
	"SignalFlow/internal/services/confluence"
	"SignalFlow/internal/services/detector"
	"SignalFlow/internal/services/notify"
	"SignalFlow/internal/services/provider"
	"SignalFlow/internal/usecase"
	"SignalFlow/pkg/cache"
	pkgch "SignalFlow/pkg/clickhouse"
	"SignalFlow/pkg/config"
	xhttp "SignalFlow/pkg/http"
	pkgkafka "SignalFlow/pkg/kafka"
	applogger "SignalFlow/pkg/logger"
	"SignalFlow/pkg/metrics"
	"SignalFlow/pkg/queue"
	"SignalFlow/pkg/server"
)

const (
	universeTTL  = 5 * time.Minute
	localL1TTL   = 30 * time.Second
	logAlertType = "errors"
)

// ProvideLogger builds the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(cfg *config.Config) domrepo.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New(nil)
}

// ProvideClickHouseClient creates a ClickHouse client and applies the schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, pkgch.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideRedisCache dials Redis when enabled. A nil result means no Redis.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCache layers an in-process cache over Redis, or stays local without it.
func ProvideCache(rc *cache.RedisCache) cache.Service {
	if rc == nil {
		return cache.NewMemoryCache()
	}
	return cache.NewLayeredCache(rc, localL1TTL)
}

func ProvideBarStore(ch *pkgch.Client, l *applogger.Logger) domrepo.BarStore {
	return internalrepo.NewClickHouseStore(ch, l.With(applogger.String("component", "clickhouse")))
}

func ProvideUniverse(store domrepo.BarStore, c cache.Service) usecase.Universe {
	return internalrepo.NewCachedUniverse(store, c, universeTTL)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(p.BatchSize, p.BatchBytes, p.Linger),
		pkgkafka.WithTimeouts(p.WriteTimeout, p.ReadTimeout),
		pkgkafka.WithMaxAttempts(p.MaxAttempts),
		pkgkafka.WithAsync(p.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

func ProvideSignalPublisher(cfg *config.Config, producer *pkgkafka.Producer) domrepo.SignalPublisher {
	if producer == nil {
		return internalrepo.NopSignalPublisher{}
	}
	return internalrepo.NewKafkaSignalPublisher(producer, cfg.Kafka.SignalTopic)
}

func ProvideEventPipeline(cfg *config.Config, pub domrepo.SignalPublisher, m domrepo.Metrics, l *applogger.Logger) *mid.EventPipeline {
	return mid.NewEventPipeline(pub, m, l.With(applogger.String("component", "event_pipeline")),
		mid.WithBufferSize(cfg.Kafka.Producer.BufferSize),
	)
}

// ProvideSignalEngine builds the detectors, the aggregator and the engine.
func ProvideSignalEngine(
	cfg *config.Config,
	store domrepo.BarStore,
	universe usecase.Universe,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*usecase.SignalEngine, error) {
	detectors, err := detector.Build(cfg.Detectors.Enabled)
	if err != nil {
		return nil, fmt.Errorf("detectors: %w", err)
	}
	agg, err := confluence.New(confluence.Config{
		Strategy:       cfg.Confluence.Strategy,
		Threshold:      cfg.Confluence.Threshold,
		MinSignals:     cfg.Confluence.MinSignals,
		PricePrecision: cfg.Confluence.PricePrecision,
	})
	if err != nil {
		return nil, fmt.Errorf("confluence: %w", err)
	}

	s := cfg.Signals
	ec := usecase.EngineConfig{
		Symbols:              s.Symbols,
		Timeframes:           s.Timeframes,
		ScanInterval:         s.ScanInterval,
		CleanupInterval:      s.CleanupInterval,
		BatchSize:            s.BatchSize,
		Workers:              s.Workers,
		UnitTimeout:          s.UnitTimeout,
		PersistTimeout:       s.PersistTimeout,
		Cooldown:             time.Duration(s.CooldownMinutes) * time.Minute,
		Validity:             time.Duration(s.ValidityMinutes) * time.Minute,
		MaxConcurrentSignals: s.MaxConcurrentSignals,
		MinSignalStrength:    s.MinSignalStrength,
		HistorySize:          s.HistorySize,
		CriticalThreshold:    s.Thresholds.Critical,
		HighThreshold:        s.Thresholds.High,
		MediumThreshold:      s.Thresholds.Medium,
		Lookback:             cfg.Detectors.Lookback,
		RecentBars:           cfg.Confluence.RecentBars,
	}
	return usecase.NewSignalEngine(ec, store, detectors, agg, universe, m,
		l.With(applogger.String("component", "signal_engine"))), nil
}

func ProvideHub(cfg *config.Config, l *applogger.Logger) *notify.Hub {
	ws := cfg.Channels.Websocket
	return notify.NewHub(l.With(applogger.String("component", "ws_hub")),
		notify.WithWriteTimeout(ws.WriteTimeout),
		notify.WithSendBuffer(ws.SendBuffer),
	)
}

// ProvideChannels registers every enabled delivery channel.
func ProvideChannels(cfg *config.Config, hub *notify.Hub) []domsvc.Channel {
	ch := cfg.Channels
	var out []domsvc.Channel
	if ch.Email.Enabled {
		out = append(out, notify.NewEmail(notify.EmailConfig{
			Host:       ch.Email.Host,
			Port:       ch.Email.Port,
			Username:   ch.Email.Username,
			Password:   ch.Email.Password,
			From:       ch.Email.From,
			Recipients: ch.Email.Recipients,
		}))
	}
	if ch.Webhook.Enabled {
		out = append(out, notify.NewWebhook(notify.WebhookConfig{
			URL:     ch.Webhook.URL,
			Headers: ch.Webhook.Headers,
			Timeout: ch.Webhook.Timeout,
		}, nil))
	}
	if ch.Telegram.Enabled {
		out = append(out, notify.NewTelegram(notify.TelegramConfig{
			BotToken: ch.Telegram.BotToken,
			ChatID:   ch.Telegram.ChatID,
			APIURL:   ch.Telegram.APIURL,
			Timeout:  ch.Telegram.Timeout,
		}, nil))
	}
	if ch.Websocket.Enabled {
		out = append(out, hub)
	}
	return out
}

// ProvideRetryQueue keeps alert retries in Redis when configured so they survive restarts.
func ProvideRetryQueue(cfg *config.Config, rc *cache.RedisCache, l *applogger.Logger) queue.DelayQueue {
	qc := queue.Config{MaxDeadLetters: cfg.Alerts.MaxQueueSize}
	if cfg.Alerts.RetryBackend == "redis" && rc != nil {
		return queue.NewRedisQueue(l, rc.Client(), qc, queue.WithKeyPrefix(cfg.Redis.Prefix+":alerts"))
	}
	return queue.NewMemoryQueue(qc)
}

func ProvideAlertEngine(
	cfg *config.Config,
	channels []domsvc.Channel,
	retries queue.DelayQueue,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*usecase.AlertEngine, error) {
	a := cfg.Alerts
	minPrio, err := models.ParsePriority(a.MinPriority)
	if err != nil {
		return nil, fmt.Errorf("alerts.min_priority: %w", err)
	}
	ac := usecase.AlertConfig{
		MaxAlertsPerMinute: a.MaxAlertsPerMinute,
		MaxAlertsPerSymbol: a.MaxAlertsPerSymbol,
		MaxRetries:         a.MaxRetries,
		RetryDelay:         a.RetryDelay,
		MaxQueueSize:       a.MaxQueueSize,
		BatchSize:          a.BatchSize,
		ProcessingInterval: a.ProcessingInterval,
		AttemptTimeout:     a.AttemptTimeout,
		MinPriority:        minPrio,
		DefaultChannels:    a.DefaultChannels,
	}
	return usecase.NewAlertEngine(ac, channels, retries, m,
		l.With(applogger.String("component", "alert_engine"))), nil
}

func ProvideBarProvider(cfg *config.Config, l *applogger.Logger) domsvc.BarProvider {
	p := cfg.Provider
	return provider.NewHTTPProvider(provider.Config{
		BaseURL:         p.BaseURL,
		APIKey:          p.APIKey,
		Timeout:         p.Timeout,
		RequestsPerSec:  p.RequestsPerSec,
		Burst:           p.Burst,
		BreakerFailures: p.BreakerFailures,
		BreakerTimeout:  p.BreakerTimeout,
	}, nil, l.With(applogger.String("component", "provider")))
}

func ProvideStateStore(cfg *config.Config, rc *cache.RedisCache) (domrepo.StateStore, error) {
	sc := internalrepo.StateConfig{
		Backend:     cfg.Scheduler.StateBackend,
		FilePath:    cfg.Scheduler.StateFile,
		SQLitePath:  cfg.Scheduler.SQLitePath,
		RedisPrefix: cfg.Redis.Prefix,
	}
	var st domrepo.StateStore
	var err error
	if rc != nil {
		st, err = internalrepo.NewStateStore(sc, rc.Client())
	} else {
		st, err = internalrepo.NewStateStore(sc, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	return st, nil
}

// ProvideDataScheduler returns nil when the scheduler is disabled.
func ProvideDataScheduler(
	cfg *config.Config,
	bars domsvc.BarProvider,
	store domrepo.BarStore,
	state domrepo.StateStore,
	c cache.Service,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*usecase.DataScheduler, error) {
	sc := cfg.Scheduler
	if !sc.Enabled {
		return nil, nil
	}
	freqs := make(map[string]models.UpdateFrequency, len(sc.Frequencies))
	for tf, f := range sc.Frequencies {
		freqs[tf] = models.UpdateFrequency(f)
	}
	s, err := usecase.NewDataScheduler(usecase.SchedulerConfig{
		Symbols:              cfg.Signals.Symbols,
		Timeframes:           cfg.Signals.Timeframes,
		CheckInterval:        sc.CheckInterval,
		BatchSize:            sc.BatchSize,
		MaxConcurrentUpdates: sc.MaxConcurrentUpdates,
		MaxRetries:           sc.MaxRetries,
		RetryDelay:           sc.RetryDelay,
		StuckThreshold:       sc.StuckThreshold,
		DailyCron:            sc.DailyCron,
		ExtendedHours:        sc.ExtendedHours,
		SessionStart:         sc.SessionStart,
		SessionEnd:           sc.SessionEnd,
		Frequencies:          freqs,
	}, bars, store, state, m, l.With(applogger.String("component", "scheduler")),
		usecase.WithCycleLock(c))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return s, nil
}

func ProvideFeedbackHandler(cfg *config.Config, engine *usecase.SignalEngine, m domrepo.Metrics, l *applogger.Logger) *usecase.ExecutionFeedbackHandler {
	return usecase.NewExecutionFeedbackHandler(cfg.Kafka.Consumer.FeedbackTopic, engine, m,
		l.With(applogger.String("component", "feedback")))
}

// ProvideKafkaConsumer creates the execution feedback consumer, or nil when Kafka is disabled.
func ProvideKafkaConsumer(
	cfg *config.Config,
	h *usecase.ExecutionFeedbackHandler,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	cc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cc.GroupID),
		pkgkafka.WithConsumerWorkers(cc.Workers),
		pkgkafka.WithConsumerBufferSize(cc.BufferSize),
		pkgkafka.WithConsumerRetry(cc.RetryMax, cc.BackoffMin, cc.BackoffMax),
		pkgkafka.WithConsumerDLQ(cc.DLQTopic),
		pkgkafka.WithConsumerFetch(cc.MinBytes, cc.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(h)
	consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, km kafka.Message, _ []byte, err error) {
			m.RecordError("feedback_consume")
			l.Warn("feedback message failed",
				applogger.String("topic", topic),
				applogger.Int64("offset", km.Offset),
				applogger.Error(err))
		},
	}))
	return consumer, nil
}

func ProvideBarsUseCase(store domrepo.BarStore) *usecase.BarsUseCase {
	return usecase.NewBarsUseCase(store)
}

// ProvideHTTPHandler mounts the control surface. Optional parts are skipped when nil.
func ProvideHTTPHandler(
	cfg *config.Config,
	l *applogger.Logger,
	engine *usecase.SignalEngine,
	alerts *usecase.AlertEngine,
	sched *usecase.DataScheduler,
	bars *usecase.BarsUseCase,
	hub *notify.Hub,
	ch *pkgch.Client,
	rc *cache.RedisCache,
) *api.SignalsHandler {
	opts := []api.HandlerOption{
		api.WithBars(bars),
		api.WithHealthChecks(api.HealthCheck{Name: "clickhouse", Check: ch.Health}),
	}
	if sched != nil {
		opts = append(opts, api.WithScheduler(sched))
	}
	if cfg.Channels.Websocket.Enabled {
		opts = append(opts, api.WithAlertStream(cfg.Channels.Websocket.Path, hub))
	}
	if rc != nil {
		opts = append(opts, api.WithHealthChecks(api.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rc.Client().Ping(ctx).Err() },
		}))
	}
	return api.NewSignalsHandler(l.With(applogger.String("component", "api")), engine, alerts, opts...)
}

func ProvideHTTPServer(cfg *config.Config, h *api.SignalsHandler, l *applogger.Logger) *xhttp.Server {
	path := ""
	if cfg.Metrics.Enabled {
		path = cfg.Metrics.Path
	}
	return xhttp.NewServer(h,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithMetricsPath(path),
		xhttp.WithLogger(l.With(applogger.String("component", "http"))),
	)
}

// ProvideApp connects the listeners and orders the components.
// Start order: alerts, pipeline, engine, scheduler, consumer; stop runs in reverse.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	ch *pkgch.Client,
	rc *cache.RedisCache,
	producer *pkgkafka.Producer,
	consumer *pkgkafka.Consumer,
	pipeline *mid.EventPipeline,
	engine *usecase.SignalEngine,
	alerts *usecase.AlertEngine,
	sched *usecase.DataScheduler,
	state domrepo.StateStore,
	retries queue.DelayQueue,
	hub *notify.Hub,
) *server.App {
	engine.AddListener(alerts)
	engine.AddListener(pipeline)
	if sched != nil {
		sched.AddListener(engine)
	}
	if cfg.Log.CollectErrors {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.CollectEvery,
			CountThreshold: cfg.Log.CollectMaxKeys,
			Topic:          logAlertType,
			Publisher:      alerts,
		})
	}

	components := []server.Component{
		{Name: "alert_engine", Start: alerts.Start, Stop: alerts.Stop},
		{
			Name: "event_pipeline",
			Start: func(ctx context.Context) error {
				pipeline.Start(ctx)
				return nil
			},
			Stop: pipeline.Stop,
		},
		{Name: "signal_engine", Start: engine.Start, Stop: engine.Stop},
	}
	if sched != nil {
		components = append(components, server.Component{Name: "data_scheduler", Start: sched.Start, Stop: sched.Stop})
	}
	if consumer != nil {
		components = append(components, server.Component{
			Name:  "feedback_consumer",
			Start: func(context.Context) error { return consumer.Start() },
			Stop:  consumer.Stop,
		})
	}

	closers := []server.Closer{
		{Name: "clickhouse", Close: ch.Close},
		{Name: "state_store", Close: state.Close},
		{Name: "retry_queue", Close: retries.Close},
		{Name: "ws_hub", Close: func() error {
			hub.Close()
			return nil
		}},
	}
	if producer != nil {
		closers = append(closers, server.Closer{Name: "kafka_producer", Close: producer.Close})
	}
	if rc != nil {
		closers = append(closers, server.Closer{Name: "redis", Close: rc.Close})
	}
	if cfg.Log.CollectErrors {
		closers = append(closers, server.Closer{Name: "log_collector", Close: func() error {
			l.RemoveCollector()
			return nil
		}})
	}

	return server.New(l, srv, cfg.Server.ShutdownTimeout, components, closers)
}
