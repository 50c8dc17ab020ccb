package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Pipeline  PipelineConfig
	Providers ProvidersConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// PipelineConfig holds the retrieval pipeline's tuning knobs.
type PipelineConfig struct {
	MaxSpanDays          int
	ExpectedEventsPerDay int
	MaxEventsPerSegment  int
	Concurrency          int
	PipelineTimeout      time.Duration
	SegmentTimeout       time.Duration
	FingerprintTTL       time.Duration
	SweepInterval        time.Duration
	TitleSimilarity      float64
}

// ProvidersConfig configures the two interchangeable upstream providers.
type ProvidersConfig struct {
	Primary   ProviderConfig
	Secondary ProviderConfig
	// CutoffYear selects the provider by request recency: ranges ending
	// before Jan 1 of CutoffYear go to the primary. Zero means the start
	// of the current calendar year.
	CutoffYear int
}

// ProviderConfig describes one upstream text-generation endpoint.
type ProviderConfig struct {
	Name              string
	Endpoint          string
	APIKey            string
	Model             string
	SupportsWebSearch bool
	MaxTokens         int
	Timeout           time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMaxSpanDays          = 30
	defaultExpectedEventsPerDay = 2
	defaultMaxEventsPerSegment  = 20
	defaultConcurrency          = 3
	defaultPipelineTimeout      = 10 * time.Minute
	defaultSegmentTimeout       = 3 * time.Minute
	defaultFingerprintTTL       = 30 * time.Minute
	defaultSweepInterval        = 5 * time.Minute
	defaultTitleSimilarity      = 0.85

	defaultPrimaryModel   = "deepseek-chat"
	defaultSecondaryModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4000
	defaultCallTimeout    = 120 * time.Second
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Pipeline: PipelineConfig{
			MaxSpanDays:          defaultMaxSpanDays,
			ExpectedEventsPerDay: defaultExpectedEventsPerDay,
			MaxEventsPerSegment:  defaultMaxEventsPerSegment,
			Concurrency:          defaultConcurrency,
			PipelineTimeout:      defaultPipelineTimeout,
			SegmentTimeout:       defaultSegmentTimeout,
			FingerprintTTL:       defaultFingerprintTTL,
			SweepInterval:        defaultSweepInterval,
			TitleSimilarity:      defaultTitleSimilarity,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Name:      "primary",
				Endpoint:  getEnv("PRIMARY_API_BASE_URL", "https://api.deepseek.com/v1"),
				APIKey:    os.Getenv("PRIMARY_API_KEY"),
				Model:     getEnv("PRIMARY_MODEL", defaultPrimaryModel),
				MaxTokens: defaultMaxTokens,
				Timeout:   defaultCallTimeout,
			},
			Secondary: ProviderConfig{
				Name:              "secondary",
				APIKey:            os.Getenv("SECONDARY_API_KEY"),
				Model:             getEnv("SECONDARY_MODEL", defaultSecondaryModel),
				SupportsWebSearch: true,
				MaxTokens:         defaultMaxTokens,
				Timeout:           defaultCallTimeout,
			},
		},
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("PIPELINE_MAX_SPAN_DAYS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_MAX_SPAN_DAYS: %w", err)
		}
		cfg.Pipeline.MaxSpanDays = n
	}

	if v := os.Getenv("PIPELINE_CONCURRENCY"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_CONCURRENCY: %w", err)
		}
		cfg.Pipeline.Concurrency = n
	}

	if v := os.Getenv("PIPELINE_EXPECTED_EVENTS_PER_DAY"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_EXPECTED_EVENTS_PER_DAY: %w", err)
		}
		cfg.Pipeline.ExpectedEventsPerDay = n
	}

	if v := os.Getenv("PIPELINE_MAX_EVENTS_PER_SEGMENT"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_MAX_EVENTS_PER_SEGMENT: %w", err)
		}
		cfg.Pipeline.MaxEventsPerSegment = n
	}

	if v := os.Getenv("PIPELINE_SWEEP_INTERVAL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_SWEEP_INTERVAL_SECONDS: %w", err)
		}
		cfg.Pipeline.SweepInterval = d
	}

	if v := os.Getenv("PIPELINE_TITLE_SIMILARITY"); v != "" {
		f, err := parseRatio(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_TITLE_SIMILARITY: %w", err)
		}
		cfg.Pipeline.TitleSimilarity = f
	}

	if v := os.Getenv("PIPELINE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Pipeline.PipelineTimeout = d
	}

	if v := os.Getenv("PIPELINE_SEGMENT_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_SEGMENT_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Pipeline.SegmentTimeout = d
	}

	if v := os.Getenv("FINGERPRINT_TTL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FINGERPRINT_TTL_SECONDS: %w", err)
		}
		cfg.Pipeline.FingerprintTTL = d
	}

	if v := os.Getenv("PROVIDER_CUTOFF_YEAR"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROVIDER_CUTOFF_YEAR: %w", err)
		}
		cfg.Providers.CutoffYear = n
	}

	if v := os.Getenv("SECONDARY_API_BASE_URL"); v != "" {
		cfg.Providers.Secondary.Endpoint = v
	}

	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseRatio(raw string) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f > 1 {
		return 0, fmt.Errorf("must be a number in (0, 1]")
	}
	return f, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
