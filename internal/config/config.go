package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the static runtime configuration of the intake pipeline.
// It is immutable once loaded.
type Config struct {
	Env      string
	HTTPAddr string

	Layout    Layout
	StateFile string

	PollInterval      time.Duration
	StabilityWindow   time.Duration
	MaxParallelism    int
	ChannelCapacity   int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	ExtractTimeout    time.Duration
	AllowedExtensions []string
	WatchFS           bool

	UseExternalQueue  bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	QueueName         string
	VisibilityTimeout time.Duration
	DLQName           string

	JournalDriver string
	JournalDSN    string

	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool

	EnrichWebhookURL   string
	EnrichRedisChannel string
	EnrichTimeout      time.Duration

	PdftotextBin    string
	TesseractBin    string
	TesseractLang   string
	OCRMaxDimension int

	RateLimitCapacity int
	RateLimitRefill   float64

	LogLevel  string
	LogFormat string
}

// Layout names the directories whose membership encodes a file's pipeline state.
type Layout struct {
	Incoming   string
	Staging    string
	Processing string
	Processed  string
	Failed     string
	State      string
}

// All returns every directory of the layout.
func (l Layout) All() []string {
	return []string{l.Incoming, l.Staging, l.Processing, l.Processed, l.Failed, l.State}
}

// Ensure creates any missing directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range l.All() {
		if dir == "" {
			return errors.New("layout has an empty directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Abs resolves every directory to an absolute path so staged descriptors and
// dispatch messages never depend on the working directory.
func (l Layout) Abs() (Layout, error) {
	out := l
	for _, p := range []*string{&out.Incoming, &out.Staging, &out.Processing, &out.Processed, &out.Failed, &out.State} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return l, err
		}
		*p = abs
	}
	return out, nil
}

// NewLayout derives the default layout under root.
func NewLayout(root string) Layout {
	return Layout{
		Incoming:   filepath.Join(root, "incoming"),
		Staging:    filepath.Join(root, "staging"),
		Processing: filepath.Join(root, "processing"),
		Processed:  filepath.Join(root, "processed"),
		Failed:     filepath.Join(root, "failed"),
		State:      filepath.Join(root, "state"),
	}
}

// Load reads configuration from environment variables with sane defaults so the
// pipeline runs with zero required configuration.
func Load() Config {
	root := getEnv("INTAKE_ROOT", "./data")
	def := NewLayout(root)
	layout := Layout{
		Incoming:   getEnv("INCOMING_DIR", def.Incoming),
		Staging:    getEnv("STAGING_DIR", def.Staging),
		Processing: getEnv("PROCESSING_DIR", def.Processing),
		Processed:  getEnv("PROCESSED_DIR", def.Processed),
		Failed:     getEnv("FAILED_DIR", def.Failed),
		State:      getEnv("STATE_DIR", def.State),
	}
	if abs, err := layout.Abs(); err == nil {
		layout = abs
	}

	journalDriver := strings.ToLower(getEnv("JOURNAL_DRIVER", "sqlite"))
	journalDSN := getEnv("JOURNAL_DSN", "")
	if journalDSN == "" && journalDriver == "sqlite" {
		journalDSN = filepath.Join(layout.State, "journal.db")
	}

	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		Layout:    layout,
		StateFile: filepath.Join(layout.State, getEnv("STATE_FILE", "processed_hashes.json")),

		PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
		StabilityWindow:   getEnvDuration("STABILITY_WINDOW", 5*time.Second),
		MaxParallelism:    getEnvInt("MAX_PARALLELISM", 4),
		ChannelCapacity:   getEnvInt("CHANNEL_CAPACITY", 64),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:    time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		ExtractTimeout:    getEnvDuration("EXTRACT_TIMEOUT", 2*time.Minute),
		AllowedExtensions: getEnvList("ALLOWED_EXTENSIONS", nil),
		WatchFS:           getEnvBool("WATCH_FS", true),

		UseExternalQueue:  getEnvBool("USE_EXTERNAL_QUEUE", false),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		QueueName:         getEnv("QUEUE_NAME", "intake"),
		VisibilityTimeout: getEnvDuration("VISIBILITY_TIMEOUT", 5*time.Minute),
		DLQName:           getEnv("DLQ_NAME", "intake:dlq"),

		JournalDriver: journalDriver,
		JournalDSN:    journalDSN,

		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),

		EnrichWebhookURL:   getEnv("ENRICH_WEBHOOK_URL", ""),
		EnrichRedisChannel: getEnv("ENRICH_REDIS_CHANNEL", ""),
		EnrichTimeout:      getEnvDuration("ENRICH_TIMEOUT", 10*time.Second),

		PdftotextBin:    getEnv("PDFTOTEXT_BIN", "pdftotext"),
		TesseractBin:    getEnv("TESSERACT_BIN", "tesseract"),
		TesseractLang:   getEnv("TESSERACT_LANG", "eng"),
		OCRMaxDimension: getEnvInt("OCR_MAX_DIMENSION", 3000),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 0),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxParallelism <= 0 {
		errs = append(errs, errors.New("MAX_PARALLELISM must be positive"))
	}
	if c.ChannelCapacity <= 0 {
		errs = append(errs, errors.New("CHANNEL_CAPACITY must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.StabilityWindow < 0 {
		errs = append(errs, errors.New("STABILITY_WINDOW must not be negative"))
	}
	if c.UseExternalQueue && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when USE_EXTERNAL_QUEUE is set"))
	}
	if c.RateLimitCapacity > 0 && (c.RedisAddr == "" || c.RateLimitRefill <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_CAPACITY needs REDIS_ADDR and a positive RATE_LIMIT_REFILL_PER_SEC"))
	}
	switch c.JournalDriver {
	case "sqlite", "postgres":
		if c.JournalDSN == "" {
			errs = append(errs, errors.New("JOURNAL_DSN is required for the "+c.JournalDriver+" journal"))
		}
	case "none", "":
	default:
		errs = append(errs, errors.New("JOURNAL_DRIVER must be one of sqlite, postgres, none"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(c Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
