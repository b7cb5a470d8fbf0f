package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"remnaguard/internal/config"
	"remnaguard/internal/harvester"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.NewHarvester()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := harvester.New(cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go agent.Run(ctx, &wg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Получен сигнал завершения, начинаю остановку агента...")
	cancel()
	wg.Wait()
	log.Println("Агент успешно остановлен.")
}
