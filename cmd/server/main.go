package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/database"
	"food-dispatch/internal/handlers"
	"food-dispatch/internal/kafka"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/redis"
	"food-dispatch/internal/repository"
	"food-dispatch/internal/services"

	"github.com/google/uuid"
)

func main() {
	migrateDown := flag.Bool("migrate-down", false, "Roll back the latest schema migration and exit")
	flag.Parse()

	// Загрузка конфигурации
	cfg := config.Load()

	// Инициализация логгера
	log := logger.New(&cfg.Logger)
	log.Info("Starting food dispatch server...")

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required when AUTH_ENABLED=true")
	}

	// Подключение к базе данных
	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if *migrateDown {
		if err := db.RollbackLast(); err != nil {
			log.WithError(err).Fatal("Failed to roll back migration")
		}
		log.WithField("driver", db.Driver()).Info("Latest migration rolled back")
		return
	}

	// Redis необязателен: без него кеш и rate limiting выключены
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.Connect(&cfg.Redis, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, running without cache and rate limiting")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var cacheService *services.CacheService
	if redisClient != nil {
		cacheService = services.NewCacheService(redisClient, &cfg.Cache, log)
	}
	rateLimiter := services.NewRateLimiterService(redisClient, &cfg.RateLimit, log)

	// Шина событий: Kafka или доставка внутри процесса
	var (
		publisher services.EventPublisher
		producer  *kafka.Producer
		local     *services.LocalPublisher
	)
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(&cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka producer")
		}
		publisher = producer
	} else {
		local = services.NewLocalPublisher(log)
		publisher = local
		log.Info("Kafka disabled, events are delivered in-process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализация сервисов
	settingsService := services.NewSettingsService(repository.NewSettingsRepository(db),
		services.DefaultSettings(&cfg.Dispatch), publisher, log)
	if err := settingsService.Load(ctx); err != nil {
		log.WithError(err).Fatal("Failed to load system settings")
	}

	scheduler := services.NewScheduler()
	pricingService := services.NewDeliveryPricingService(&cfg.DeliveryPricing, log)
	orderService := services.NewOrderService(db, settingsService, pricingService, cacheService, publisher, log)
	courierService := services.NewCourierService(repository.NewCourierRepository(db), cacheService, publisher, log)
	restaurantService := services.NewRestaurantService(repository.NewRestaurantRepository(db), settingsService, cacheService, log)
	engine := services.NewDispatchEngine(db, settingsService, scheduler, cacheService, publisher, log)
	flow := services.NewConfirmationFlow(orderService, scheduler, log)
	tracker := services.NewLocationTracker(courierService, settingsService, services.InactivityPolicy{
		Window:     cfg.Tracking.InactivityWindow,
		ThresholdM: cfg.Tracking.SignificanceThresholdM,
	}, log)

	// Первый раунд подбора запускается подтверждением, повторные запускают события отказа и истечения
	flow.OnConfirmed(func(_ context.Context, order *models.Order) {
		engine.DispatchAsync(order.ID)
	})
	reoffer := services.NewReofferPolicy(engine, log)

	var consumers []*kafka.Consumer
	if cfg.Kafka.Enabled {
		// общая группа: каждый отказ обрабатывает ровно один экземпляр
		dispatchConsumer, err := kafka.NewConsumer(&cfg.Kafka, cfg.Kafka.GroupID, []string{cfg.Kafka.Topics.Dispatch}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create dispatch consumer")
		}
		for _, eventType := range reoffer.EventTypes() {
			dispatchConsumer.RegisterHandler(eventType, reoffer.Handle)
		}

		// уникальная группа: обновление настроек должен увидеть каждый экземпляр
		settingsGroup := fmt.Sprintf("%s-settings-%s", cfg.Kafka.GroupID, uuid.NewString())
		settingsConsumer, err := kafka.NewConsumer(&cfg.Kafka, settingsGroup, []string{cfg.Kafka.Topics.Settings}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create settings consumer")
		}
		settingsConsumer.RegisterHandler(models.EventTypeSettingsUpdated, settingsService.HandleSettingsUpdated)

		consumers = append(consumers, dispatchConsumer, settingsConsumer)
		for _, consumer := range consumers {
			if err := consumer.Start(); err != nil {
				log.WithError(err).Fatal("Failed to start Kafka consumer")
			}
		}
	} else {
		for _, eventType := range reoffer.EventTypes() {
			local.RegisterHandler(eventType, reoffer.Handle)
		}
	}

	// Восстановление таймеров после перезапуска
	if err := flow.Resume(ctx); err != nil {
		log.WithError(err).Error("Failed to resume confirmation timers")
	}
	if err := engine.Resume(ctx); err != nil {
		log.WithError(err).Error("Failed to resume offer timers")
	}
	go flow.Run(ctx, cfg.Dispatch.SweepInterval)
	go engine.Run(ctx, cfg.Dispatch.SweepInterval)
	go tracker.Run(ctx, cfg.Dispatch.SweepInterval, cfg.Tracking.IdleSessionTTL)

	// Прогрев документов ресторанов, их читает создание заказа
	if warmup, err := restaurantService.WarmupEntries(ctx); err != nil {
		log.WithError(err).Error("Failed to list restaurants for cache warming")
	} else {
		cacheService.WarmupCache(ctx, warmup)
	}

	// Настройка HTTP роутера
	router := &handlers.Router{
		Health:      handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Enabled),
		Orders:      handlers.NewOrderHandler(flow, orderService, engine, courierService, restaurantService, log),
		Couriers:    handlers.NewCourierHandler(courierService, tracker, orderService, engine, log),
		Restaurants: handlers.NewRestaurantHandler(restaurantService, orderService, log),
		Settings:    handlers.NewSettingsHandler(settingsService, log),
		Cache:       handlers.NewCacheHandler(cacheService, log),
		RateLimit:   handlers.NewRateLimitHandler(rateLimiter, log),
		Auth:        &cfg.Auth,
		RateLimiter: rateLimiter,
		Log:         log,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Запуск сервера в горутине
	go func() {
		log.WithField("address", server.Addr).Info("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	// накопленные позиции дописываются до остановки таймеров и брокера
	cancel()
	tracker.Stop(shutdownCtx)
	scheduler.Stop()
	engine.Wait()
	for _, consumer := range consumers {
		if err := consumer.Stop(); err != nil {
			log.WithError(err).Error("Failed to stop Kafka consumer")
		}
	}
	if local != nil {
		local.Wait()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.WithError(err).Error("Failed to close Kafka producer")
		}
	}

	log.Info("Server exited")
}
