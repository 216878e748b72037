// Package config turns string envs from wbf-config into typed app settings with defaults
package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/canon"
	wbfconfig "github.com/wb-go/wbf/config"
)

// Source - всё, что умеет отдавать строковые значения по ключу (wbf config.Config, map в тестах)
type Source interface {
	GetString(key string) string
}

type Storage struct {
	Backend     string // minio | s3
	Bucket      string
	MinioAddr   string
	MinioUser   string
	MinioPass   string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type Generation struct {
	MaxAttempts      int
	RetryAttempts    int
	RetryDelay       time.Duration
	RetryBackoff     float64
	AttemptTimeout   time.Duration
	TransformTimeout time.Duration
	StoreTimeout     time.Duration
	StoreAttempts    int
	WaitTimeout      time.Duration
	PollInterval     time.Duration
	OrphanAfter      time.Duration
	RecordRetention  time.Duration
	FailedCooldown   time.Duration // через сколько исчерпанный бюджет retryable-ошибки снова открывается
	DownloadTTL      time.Duration
	InProcessWorkers int
	Concurrency      int // горутин-исполнителей в отдельном worker-процессе
	WorkingDir       string
}

type AppConfig struct {
	Port           string
	GinMode        string
	LogLevel       string
	PostgresDSN    string
	MigrationsPath string
	KafkaBroker    string
	KafkaTopic     string
	ResultsTopic   string
	KafkaGroupID   string
	KafkaParts     int

	ArchiveURL     string
	ArchiveTimeout time.Duration
	DescribeCache  int
	DescribeTTL    time.Duration
	JPEGQuality    int
	PublicURL      string

	Limits     canon.Limits
	Storage    Storage
	Generation Generation
}

// New - создает wbf-конфиг, подключает энвы и .env-файл
func New(envFile string) *wbfconfig.Config {
	appConfig := wbfconfig.New()
	appConfig.EnableEnv("")
	if err := appConfig.LoadEnvFiles(envFile); err != nil {
		log.Printf("Failed to load env-file %q: %v. Using process envs only...", envFile, err)
	}
	return appConfig
}

func Load(src Source) AppConfig {
	r := reader{src: src}
	cfg := AppConfig{
		Port:           r.str("APP_PORT", "8080"),
		GinMode:        r.str("GIN_MODE", "release"),
		LogLevel:       r.str("LOG_LEVEL", "info"),
		PostgresDSN:    r.str("POSTGRES_DSN", ""),
		MigrationsPath: r.str("MIGRATIONS_PATH", "./migrations"),
		KafkaBroker:    r.str("KAFKA_BROKER", ""),
		KafkaTopic:     r.str("KAFKA_TOPIC", "derivatives"),
		ResultsTopic:   r.str("KAFKA_RESULTS_TOPIC", "derivative-results"),
		KafkaGroupID:   r.str("KAFKA_GROUPID", "derivative-workers"),
		KafkaParts:     r.integer("KAFKA_PARTITIONS", 1),

		ArchiveURL:     strings.TrimRight(r.str("ARCHIVE_API_URL", "http://localhost:8000"), "/"),
		ArchiveTimeout: r.duration("ARCHIVE_TIMEOUT", 30*time.Second),
		DescribeCache:  r.integer("DESCRIBE_CACHE_SIZE", 1024),
		DescribeTTL:    r.duration("DESCRIBE_CACHE_TTL", 10*time.Minute),
		JPEGQuality:    r.integer("JPEG_QUALITY", 90),
		PublicURL:      strings.TrimRight(r.str("PUBLIC_URL", ""), "/"),

		Limits: canon.Limits{
			AllowUpscale: r.boolean("ALLOW_UPSCALE", false),
			MaxWidth:     r.integer("MAX_WIDTH", 10000),
			MaxHeight:    r.integer("MAX_HEIGHT", 10000),
			MaxArea:      int64(r.integer("MAX_AREA", 64_000_000)),
		},
		Storage: Storage{
			Backend:     strings.ToLower(r.str("STORAGE_BACKEND", "minio")),
			Bucket:      r.str("BUCKET_NAME", "derivatives"),
			MinioAddr:   r.str("MINIO_CONTAINER_NAME", "localhost") + ":9000",
			MinioUser:   r.str("MINIO_USER", ""),
			MinioPass:   r.str("MINIO_PASS", ""),
			S3Region:    r.str("S3_REGION", ""),
			S3Endpoint:  r.str("S3_ENDPOINT", ""),
			S3PathStyle: r.boolean("S3_PATH_STYLE", false),
		},
		Generation: Generation{
			MaxAttempts:      r.integer("MAX_ATTEMPTS", 9),
			RetryAttempts:    r.integer("RETRY_ATTEMPTS", 3),
			RetryDelay:       r.duration("RETRY_DELAY", 2*time.Second),
			RetryBackoff:     r.float("RETRY_BACKOFF", 2),
			AttemptTimeout:   r.duration("ATTEMPT_TIMEOUT", 2*time.Minute),
			TransformTimeout: r.duration("TRANSFORM_TIMEOUT", time.Minute),
			StoreTimeout:     r.duration("STORE_TIMEOUT", 30*time.Second),
			StoreAttempts:    r.integer("STORE_ATTEMPTS", 3),
			WaitTimeout:      r.duration("WAIT_TIMEOUT", 90*time.Second),
			PollInterval:     r.duration("POLL_INTERVAL", 500*time.Millisecond),
			OrphanAfter:      r.duration("ORPHAN_AFTER", 15*time.Minute),
			RecordRetention:  r.duration("RECORD_RETENTION", 7*24*time.Hour),
			FailedCooldown:   r.duration("FAILED_COOLDOWN", time.Hour),
			DownloadTTL:      r.duration("DOWNLOAD_CACHE_TTL", 24*time.Hour),
			InProcessWorkers: r.integer("INPROCESS_WORKERS", 0),
			Concurrency:      r.integer("WORKER_CONCURRENCY", 2),
			WorkingDir:       r.str("WORKING_DIR", "/tmp/archive-iiif"),
		},
	}

	if cfg.Generation.RetryAttempts < 1 {
		cfg.Generation.RetryAttempts = 1
	}
	if cfg.Generation.Concurrency < 1 {
		cfg.Generation.Concurrency = 1
	}
	if cfg.Generation.StoreAttempts < 1 {
		cfg.Generation.StoreAttempts = 1
	}
	if cfg.Generation.MaxAttempts < cfg.Generation.RetryAttempts {
		cfg.Generation.MaxAttempts = cfg.Generation.RetryAttempts
	}
	// живую доставку нельзя принять за брошенную: у записи нет аренды
	if longest := cfg.Generation.LongestDelivery(); cfg.Generation.OrphanAfter <= longest {
		orphanAfter := longest + longest/4
		log.Printf("ORPHAN_AFTER %v does not outlast one delivery (up to %v), using %v", cfg.Generation.OrphanAfter, longest, orphanAfter)
		cfg.Generation.OrphanAfter = orphanAfter
	}
	return cfg
}

// LongestDelivery is the upper bound of one task delivery: every attempt hits both
// timeouts, every backoff is waited out and every store try times out.
func (g Generation) LongestDelivery() time.Duration {
	total := time.Duration(g.RetryAttempts) * (g.AttemptTimeout + g.TransformTimeout)
	delay := g.RetryDelay
	for i := 1; i < g.RetryAttempts; i++ {
		total += delay
		delay = time.Duration(float64(delay) * g.RetryBackoff)
	}
	total += time.Duration(g.StoreAttempts) * (g.StoreTimeout + g.RetryDelay)
	return total
}

// Public - набор настроек для /configz, без секретов
func (c AppConfig) Public() map[string]any {
	return map[string]any{
		"archive_api_url":    c.ArchiveURL,
		"archive_timeout":    c.ArchiveTimeout.String(),
		"storage_backend":    c.Storage.Backend,
		"bucket":             c.Storage.Bucket,
		"kafka_topic":        c.KafkaTopic,
		"results_topic":      c.ResultsTopic,
		"allow_upscale":      c.Limits.AllowUpscale,
		"max_width":          c.Limits.MaxWidth,
		"max_height":         c.Limits.MaxHeight,
		"max_area":           c.Limits.MaxArea,
		"max_attempts":       c.Generation.MaxAttempts,
		"retry_attempts":     c.Generation.RetryAttempts,
		"attempt_timeout":    c.Generation.AttemptTimeout.String(),
		"transform_timeout":  c.Generation.TransformTimeout.String(),
		"store_timeout":      c.Generation.StoreTimeout.String(),
		"wait_timeout":       c.Generation.WaitTimeout.String(),
		"orphan_after":       c.Generation.OrphanAfter.String(),
		"failed_cooldown":    c.Generation.FailedCooldown.String(),
		"inprocess_workers":  c.Generation.InProcessWorkers,
		"worker_concurrency": c.Generation.Concurrency,
		"jpeg_quality":       c.JPEGQuality,
	}
}

type reader struct {
	src Source
}

func (r reader) str(key, def string) string {
	if v := strings.TrimSpace(r.src.GetString(key)); v != "" {
		return v
	}
	return def
}

func (r reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid int value %q for %s, using default %d", raw, key, def)
		return def
	}
	return v
}

func (r reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Invalid float value %q for %s, using default %v", raw, key, def)
		return def
	}
	return v
}

func (r reader) boolean(key string, def bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Invalid bool value %q for %s, using default %v", raw, key, def)
		return def
	}
	return v
}

func (r reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration value %q for %s, using default %v", raw, key, def)
		return def
	}
	return v
}
