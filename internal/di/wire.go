//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"SignalFlow/pkg/config"
	"SignalFlow/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideCache,
		ProvideKafkaProducer,

		// Repositories
		ProvideBarStore,
		ProvideUniverse,
		ProvideSignalPublisher,
		ProvideStateStore,
		ProvideRetryQueue,

		// Services
		ProvideBarProvider,
		ProvideHub,
		ProvideChannels,
		ProvideEventPipeline,

		// Use cases
		ProvideSignalEngine,
		ProvideAlertEngine,
		ProvideDataScheduler,
		ProvideFeedbackHandler,
		ProvideKafkaConsumer,
		ProvideBarsUseCase,

		// Transport and application
		ProvideHTTPHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
