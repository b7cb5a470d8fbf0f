package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"remnaguard/internal/api"
	"remnaguard/internal/config"
	"remnaguard/internal/metrics"
	"remnaguard/internal/monitor"
	"remnaguard/internal/processor"
	"remnaguard/internal/scheduler"
	"remnaguard/internal/services/alerter"
	"remnaguard/internal/services/identity"
	"remnaguard/internal/services/panel"
	"remnaguard/internal/services/policy"
	"remnaguard/internal/services/publisher"
	"remnaguard/internal/services/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// 1. Загрузка конфигурации
	cfg := config.NewCollector()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инициализация внешних сервисов
	redisStore, err := storage.NewRedisStore(ctx, cfg.RedisURL, cfg.EventRetention)
	if err != nil {
		log.Fatalf("Критическая ошибка: не удалось подключиться к Redis: %v", err)
	}
	defer redisStore.Close()

	rabbitPublisher, err := publisher.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Fatalf("Критическая ошибка: не удалось подключиться к RabbitMQ: %v", err)
	}
	defer rabbitPublisher.Close()

	webhookAlerter := alerter.NewWebhookAlerter(cfg.AlertWebhookURL)
	policyStore := policy.NewStore(redisStore.Client())
	m := metrics.New()

	panelClient := panel.NewClient(cfg.PanelURL, cfg.PanelToken, cfg.PanelReloadInterval, 3)
	resolver := identity.NewResolver(panelClient)

	// 3. Инициализация компонентов пайплайна
	blockScheduler := scheduler.New(
		scheduler.Config{
			SweepInterval:     cfg.SweepInterval,
			UnblockClaimTTL:   cfg.UnblockClaimTTL,
			DisableAlertAfter: cfg.DisableAlertAfter,
		},
		redisStore, redisStore, redisStore,
		panelClient, webhookAlerter, rabbitPublisher, m,
	)

	evalProcessor := processor.New(
		cfg.WorkerPoolSize, cfg.EvalChannelBufferSize,
		redisStore, redisStore, redisStore,
		policyStore, panelClient, blockScheduler,
		webhookAlerter, rabbitPublisher, m,
	)

	poolMonitor := monitor.NewPoolMonitor(redisStore, redisStore, panelClient, policyStore, cfg.MonitoringInterval)

	server := api.NewServer(cfg, api.Deps{
		Events:   redisStore,
		Windows:  redisStore,
		Blocks:   redisStore,
		Viols:    redisStore,
		Tokens:   redisStore,
		Policy:   policyStore,
		Resolver: resolver,
		Limits:   panelClient,
		PanelAPI: panelClient,
		Eval:     evalProcessor,
		Redis:    redisStore,
		Queue:    rabbitPublisher,
		Metrics:  m,
	})

	// 4. Запуск фоновых процессов
	var wg sync.WaitGroup

	wg.Add(1)
	go panelClient.Run(ctx, &wg)

	evalProcessor.Start(ctx)

	wg.Add(1)
	go blockScheduler.Run(ctx, &wg)

	wg.Add(1)
	go poolMonitor.Run(ctx, &wg)

	server.StartHub(ctx)

	// 5. Запуск API сервера
	go func() {
		log.Printf("Коллектор запущен на порту %s", cfg.Port)
		if err := server.Run(); err != nil {
			log.Fatalf("Ошибка запуска сервера: %v", err)
		}
	}()

	// 6. Ожидание сигнала завершения для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Получен сигнал завершения, начинаю остановку сервиса...")
	cancel()
	evalProcessor.Stop()
	wg.Wait()
	log.Println("Сервис успешно остановлен.")
}
