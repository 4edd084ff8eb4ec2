package main

import (
	"flag"
	"log"
	"os"

	"SignalFlow/internal/di"
	"SignalFlow/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s symbols=%v timeframes=%v", cfg.Environment, cfg.Signals.Symbols, cfg.Signals.Timeframes)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	log.Printf("clickhouse: connected and schema ready - db: %s", cfg.ClickHouse.Database)
	if cfg.Kafka.Enabled {
		log.Printf("kafka: brokers=%v signal_topic=%s feedback_topic=%s",
			cfg.Kafka.Brokers, cfg.Kafka.SignalTopic, cfg.Kafka.Consumer.FeedbackTopic)
	}

	// blocks until SIGINT/SIGTERM
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
