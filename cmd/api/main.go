// Package main (in api-subfolder) provides launch of the IIIF image service
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/api"
	"github.com/UnendingLoop/ArchiveIIIF/internal/cache"
	"github.com/UnendingLoop/ArchiveIIIF/internal/config"
	"github.com/UnendingLoop/ArchiveIIIF/internal/imageproc"
	"github.com/UnendingLoop/ArchiveIIIF/internal/kafka"
	"github.com/UnendingLoop/ArchiveIIIF/internal/mwlogger"
	"github.com/UnendingLoop/ArchiveIIIF/internal/notify"
	"github.com/UnendingLoop/ArchiveIIIF/internal/repository"
	"github.com/UnendingLoop/ArchiveIIIF/internal/repository/memrepo"
	"github.com/UnendingLoop/ArchiveIIIF/internal/service"
	"github.com/UnendingLoop/ArchiveIIIF/internal/source"
	"github.com/UnendingLoop/ArchiveIIIF/internal/storage"
	"github.com/UnendingLoop/ArchiveIIIF/internal/transport"
	"github.com/UnendingLoop/ArchiveIIIF/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/ginext"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/zlog"
)

func main() {
	// инициализировать конфиг/ считать энвы
	cfg := config.Load(config.New("./.env"))

	// стартуем логгер
	zlog.InitConsole()
	if err := zlog.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	// готовим заранее слушатель прерываний - контекст для всего приложения
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// база: без DSN живем в памяти одним процессом
	var repo repository.GenerationRepo
	var dbConn *dbpg.DB
	if cfg.PostgresDSN != "" {
		dbConn = repository.ConnectWithRetries(cfg.PostgresDSN, 5, 10*time.Second)
		repository.MigrateWithRetries(dbConn.Master, cfg.MigrationsPath, 10, 15*time.Second)
		repo = repository.NewPostgresGenerationRepo(dbConn)
	} else {
		log.Println("POSTGRES_DSN is empty: generation records are kept in memory")
		repo = memrepo.New()
		if cfg.Generation.InProcessWorkers < 1 {
			cfg.Generation.InProcessWorkers = runtime.NumCPU()
		}
	}

	// подключиться к хранилищу
	strg, err := storage.NewObjectStore(ctx, cfg.Storage, 10*time.Second)
	if err != nil {
		log.Fatalf("Artifact storage is unavailable: %v", err)
	}
	artifacts := cache.New(strg)

	// скачанные версии экспозиций общие для Describe и генераций
	client := source.NewArchiveClient(cfg.ArchiveURL, cfg.ArchiveTimeout)
	files := source.NewDownloads(client, cfg.Generation.WorkingDir, cfg.ArchiveURL)
	sweepDownloads(files)
	resolver := source.NewResolver(client, files, cfg.DescribeCache, cfg.DescribeTTL)
	go files.PruneLoop(ctx, cfg.Generation.DownloadTTL)

	// исполнители: пул внутри процесса или очередь для отдельных воркеров
	var dispatcher service.Dispatcher
	var pool *worker.Pool
	var pub *wbfkafka.Producer
	var results *wbfkafka.Consumer
	hub := notify.NewHub()
	if cfg.Generation.InProcessWorkers > 0 {
		gen := worker.NewGenerator(repo, resolver, imageproc.NewEngine(cfg.JPEGQuality), artifacts, hub,
			worker.OptionsFromConfig(cfg.Generation))
		pool = worker.NewPool(gen, cfg.Generation.InProcessWorkers, 4*cfg.Generation.InProcessWorkers)
		pool.Start(ctx)
		dispatcher = pool
		log.Printf("Running %d in-process generation workers", cfg.Generation.InProcessWorkers)
	} else {
		// ждем пока кафка раздуплится
		if !kafka.WaitKafkaReady(ctx, cfg.KafkaBroker, 5*time.Second) {
			log.Fatalln("Kafka never became ready, exiting...")
		}
		kafka.InitKafkaTopics(ctx, cfg.KafkaBroker, cfg.KafkaParts, 10*time.Second, cfg.KafkaTopic, cfg.ResultsTopic)
		pub = wbfkafka.NewProducer([]string{cfg.KafkaBroker}, cfg.KafkaTopic)
		dispatcher = kafka.NewDispatcher(pub, kafka.DefaultSendStrategy)

		// итоги генераций отдельных воркеров приходят через топик результатов
		results = kafka.NewResultsConsumer(cfg.KafkaBroker, cfg.ResultsTopic)
		go notify.Forward(ctx, results, hub)
	}

	// создаем экземпляр сервиса
	svc := service.NewImageService(repo, resolver, artifacts, dispatcher, hub, service.OptionsFromConfig(cfg))
	// cоздаем экземпляры хендлеров HTTP
	handlers := transport.NewImageHandler(svc, cfg.PublicURL)
	zpages := api.NewZPages(cfg.Public())

	// сетапим сервер
	engine := ginext.New(cfg.GinMode)
	engine.GET("/ping", handlers.SimplePinger)
	engine.GET("/statuz", zpages.Statuz)
	engine.GET("/configz", zpages.Configz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/iiif/:id/*rest", handlers.IIIF) // info.json или {region}/{size}/{rotation}/{quality}.{format}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mwlogger.NewMWLogger(engine),
	}

	// Server launch
	go func() {
		log.Printf("Server running on http://localhost%s\n", srv.Addr)
		err := srv.ListenAndServe()
		if err != nil {
			switch {
			case errors.Is(err, http.ErrServerClosed):
				log.Println("Server gracefully stopping...")
			default:
				log.Printf("Server stopped: %v", err)
				stop()
			}
		}
	}()

	// запускаем фонового воркера для отслеживания подвисших генераций
	go recoveryLoop(ctx, svc, cfg.Generation.OrphanAfter/2)

	// ждем отмены контекста для запуска грейсфул закрытия соединений
	<-ctx.Done()

	shutdown(srv, pool, pub, results, dbConn)
	log.Println("Exiting api...")
}

func sweepDownloads(files *source.Downloads) {
	n, err := files.Sweep()
	if err != nil {
		log.Printf("Failed to sweep unfinished downloads: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Removed %d unfinished downloads", n)
	}
}

func recoveryLoop(ctx context.Context, svc RecoveryService, every time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Println("Recovery loop crashed:", r)
		}
	}()

	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.ReviveOrphans(ctx, 20); n > 0 {
				zlog.Logger.Info().Int("revived", n).Msg("Orphaned generations handled")
			}
			if n, err := svc.PurgeTerminal(ctx); err == nil && n > 0 {
				zlog.Logger.Info().Int64("purged", n).Msg("Old generation records purged")
			}
		}
	}
}

func shutdown(srv *http.Server, pool *worker.Pool, pub *wbfkafka.Producer, results *wbfkafka.Consumer, dbConn *dbpg.DB) {
	log.Println("Interrupt received!!! Starting shutdown sequence...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("Failed to shutdown HTTP-server gracefully:", err)
	}

	// незавершенные генерации подберет восстановление
	if pool != nil {
		pool.Wait()
		log.Println("In-process workers stopped.")
	}

	// Closing Kafka connection:
	if pub != nil {
		if err := pub.Close(); err != nil {
			log.Println("Failed to close Kafka-writer:", err)
		}
		log.Println("Kafka-producer connection closed.")
	}
	if results != nil {
		if err := results.Close(); err != nil {
			log.Println("Failed to close results reader:", err)
		}
	}

	// Closing DB connection
	if dbConn == nil {
		return
	}
	if err := dbConn.Master.Close(); err != nil {
		log.Println("Failed to close DB-conn correctly:", err)
		return
	}
	log.Println("DBconn closed")
}
