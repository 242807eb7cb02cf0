package main

import (
	"context"

	"passkeeper/internal/passes/handler"
	"passkeeper/internal/passes/notifier"
	"passkeeper/internal/passes/repository"
	"passkeeper/internal/passes/service"
	"passkeeper/internal/passes/validator"
	"passkeeper/internal/reconciler"
	"passkeeper/pkg/app"
	"passkeeper/pkg/clock"
	"passkeeper/pkg/config"
)

const ServiceName = "passkeeper"

func main() {
	cfg := config.Load(ServiceName)
	cfg.SetMongo()

	cfg.Log.Info("Starting Passkeeper service")

	passService, closeNotifier := initServices(cfg)

	rec := reconciler.New(passService, cfg.Log, cfg.ReconcileInterval, cfg.CleanupInterval)
	rec.Start(context.Background())

	serverApp := app.NewApplication()
	serverApp.SetApp(cfg, handler.NewPassHandler(passService, cfg.Log, cfg.Location))
	serverApp.OnShutdown(rec.Stop)
	serverApp.OnShutdown(closeNotifier)
	serverApp.OnShutdown(cfg.GracefulShutdown)
	serverApp.Run()
}

func initServices(cfg *config.Config) (service.PassService, func()) {
	passRepo := repository.NewMongoPassRepository(cfg)
	if err := passRepo.Ensure(context.Background()); err != nil {
		cfg.Log.Fatal("Failed to seed pass state", "error", err)
	}

	var (
		events        service.Notifier
		closeNotifier = func() {}
	)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notifier.NewKafkaNotifier(cfg)
		if err != nil {
			cfg.Log.Fatal("Failed to initialize Kafka notifier", "error", err)
		}
		events = kafkaNotifier
		closeNotifier = func() {
			if err := kafkaNotifier.Close(); err != nil {
				cfg.Log.Error("Failed to close Kafka producer", "error", err)
			}
		}
		cfg.Log.Info("Kafka notifier enabled", "topic", cfg.KafkaTopic)
	} else {
		events = notifier.NewLogNotifier(cfg.Log)
		cfg.Log.Info("No Kafka brokers configured, events go to the log")
	}

	passService := service.NewPassService(
		repository.NewMongoReservationRepository(cfg),
		passRepo,
		repository.NewMongoProfileRepository(cfg),
		validator.NewReservationValidator(cfg.Log),
		events,
		clock.NewSystem(),
		cfg,
	)

	cfg.Log.Info("Pass service initialized", "database", cfg.MongoDatabaseName, "default_holder", cfg.DefaultHolder)
	return passService, closeNotifier
}
