// Package main (in worker-subfolder) provides launch of the standalone generation worker
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/cache"
	"github.com/UnendingLoop/ArchiveIIIF/internal/config"
	"github.com/UnendingLoop/ArchiveIIIF/internal/imageproc"
	"github.com/UnendingLoop/ArchiveIIIF/internal/kafka"
	"github.com/UnendingLoop/ArchiveIIIF/internal/notify"
	"github.com/UnendingLoop/ArchiveIIIF/internal/repository"
	"github.com/UnendingLoop/ArchiveIIIF/internal/source"
	"github.com/UnendingLoop/ArchiveIIIF/internal/storage"
	"github.com/UnendingLoop/ArchiveIIIF/internal/worker"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/dbpg"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// инициализировать конфиг/ считать энвы
	cfg := config.Load(config.New("./.env"))
	if cfg.PostgresDSN == "" {
		log.Fatalln("POSTGRES_DSN is required for a standalone worker, exiting...")
	}

	zlog.InitConsole()
	if err := zlog.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	// Listening to interruptions through context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// подключитсья к базе
	dbConn := repository.ConnectWithRetries(cfg.PostgresDSN, 5, 10*time.Second)
	repo := repository.NewPostgresGenerationRepo(dbConn)
	// подкллючиться к хранилищу
	strg, err := storage.NewObjectStore(ctx, cfg.Storage, 10*time.Second)
	if err != nil {
		log.Fatalf("Artifact storage is unavailable: %v", err)
	}

	// ждем пока кафка раздуплится
	if !kafka.WaitKafkaReady(ctx, cfg.KafkaBroker, 5*time.Second) {
		log.Fatalln("Kafka never became ready, exiting...")
	}
	kafka.InitKafkaTopics(ctx, cfg.KafkaBroker, cfg.KafkaParts, 10*time.Second, cfg.KafkaTopic, cfg.ResultsTopic)

	// прошлый запуск мог оставить недокачанные версии
	client := source.NewArchiveClient(cfg.ArchiveURL, cfg.ArchiveTimeout)
	files := source.NewDownloads(client, cfg.Generation.WorkingDir, cfg.ArchiveURL)
	if n, err := files.Sweep(); err != nil {
		log.Printf("Failed to sweep unfinished downloads: %v", err)
	} else if n > 0 {
		log.Printf("Removed %d unfinished downloads", n)
	}
	go files.PruneLoop(ctx, cfg.Generation.DownloadTTL)
	resolver := source.NewResolver(client, files, cfg.DescribeCache, cfg.DescribeTTL)

	// ожидающие на стороне api узнают о результате из топика результатов
	results := wbfkafka.NewProducer([]string{cfg.KafkaBroker}, cfg.ResultsTopic)
	gen := worker.NewGenerator(repo, resolver, imageproc.NewEngine(cfg.JPEGQuality), cache.New(strg),
		notify.NewRelay(results), worker.OptionsFromConfig(cfg.Generation))

	// подключиться к кафке как читатель
	queue := make(chan kafkago.Message)
	retryStrategy := retry.Strategy{
		Attempts: 5,
		Delay:    2 * time.Second,
		Backoff:  1.5,
	}
	cons := wbfkafka.NewConsumer([]string{cfg.KafkaBroker}, cfg.KafkaTopic, cfg.KafkaGroupID)
	cons.StartConsuming(ctx, queue, retryStrategy)

	// Собираем воедино все что нужно воркерам и запускаем их
	g, gctx := errgroup.WithContext(ctx)
	for range cfg.Generation.Concurrency {
		w := worker.NewWorkerInstance(gen, queue, cons)
		g.Go(func() error {
			w.StartWorker(gctx)
			return nil
		})
	}
	log.Printf("Worker started with %d generation goroutines", cfg.Generation.Concurrency)

	// Waiting for interruption to stop context to start Graceful shutdown
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		log.Println("Worker goroutines stopped with error:", err)
	}

	shutdown(cons, results, dbConn)
	log.Println("Exiting worker...")
}

func shutdown(cons, results Closer, dbConn *dbpg.DB) {
	log.Println("Interrupt received!!! Starting shutdown sequence...")

	// Closing Kafka connection:
	if err := cons.Close(); err != nil {
		log.Println("Failed to close Kafka-reader:", err)
	}
	log.Println("Kafka-consumer connection closed.")
	if err := results.Close(); err != nil {
		log.Println("Failed to close results writer:", err)
	}

	// Closing DB connection
	if err := dbConn.Master.Close(); err != nil {
		log.Println("Failed to close DB-conn correctly:", err)
		return
	}
	log.Println("DBconn closed")
}
