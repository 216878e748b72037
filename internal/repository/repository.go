// Package repository provides methods to work with DB
package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"path/filepath"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/repository/genpostgres"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/wb-go/wbf/dbpg"
)

// GenerationRepo - durable состояние генераций, общее для api и worker процессов
type GenerationRepo interface {
	Create(ctx context.Context, rec *model.GenerationRecord) (bool, error)
	Get(ctx context.Context, key model.CanonicalKey) (*model.GenerationRecord, error)
	Claim(ctx context.Context, key model.CanonicalKey, maxAttempts int) (*model.GenerationRecord, error)
	RecordAttempt(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error)
	MarkSucceeded(ctx context.Context, key model.CanonicalKey, resultKey, contentType string) error
	MarkFailed(ctx context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error
	Requeue(ctx context.Context, key model.CanonicalKey, from model.Status, resetAttempts bool) (bool, error)
	Park(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error
	Rearm(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind) (bool, error)
	FetchOrphans(ctx context.Context, staleAfter time.Duration, limit int) ([]model.GenerationRecord, error)
	PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error)
}

func NewPostgresGenerationRepo(dbconn *dbpg.DB) GenerationRepo {
	return genpostgres.PostgresRepo{DB: dbconn}
}

// ConnectWithRetries opens the pool and pings it; the process exits once retryCount tries fail.
func ConnectWithRetries(dsn string, retryCount int, idleTime time.Duration) *dbpg.DB {
	dbOptions := dbpg.Options{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 10 * time.Minute,
	}

	for i := 1; i <= retryCount; i++ {
		dbConn, err := dbpg.New(dsn, nil, &dbOptions)
		if err == nil {
			err = ping(dbConn.Master)
			if err == nil {
				log.Println("Connected to PGDB")
				return dbConn
			}
			_ = dbConn.Master.Close()
		}
		log.Printf("PGDB connection try #%d failed: %v", i, err)
		if i < retryCount {
			log.Printf("Waiting %v before next retry...", idleTime)
			time.Sleep(idleTime)
		}
	}

	log.Fatal("Failed to connect to DB. Exiting the app...")
	return nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func MigrateWithRetries(db *sql.DB, migrationsPath string, retries int, idle time.Duration) {
	for i := 1; i <= retries; i++ {
		log.Printf("Migration try #%d...", i)
		err := runMigrate(db, migrationsPath)
		if err == nil {
			return
		}
		log.Printf("Migration try #%d was unsuccessful: %v", i, err)
		if i == retries {
			log.Fatalln("Out of retries. Exiting...")
		}
		log.Printf("Waiting %v before next try...", idle)
		time.Sleep(idle)
	}
}

func runMigrate(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	sourceURL := "file://" + absPath
	log.Println("Running migrations from:", sourceURL)

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	log.Println("Database migrations applied successfully")
	return nil
}
