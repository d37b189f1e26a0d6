package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	StaticDir  string `yaml:"static_dir"`
	// ShutdownTimeoutMS is how long in-flight requests may finish before
	// running engine processes are killed.
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Upload      UploadConfig    `yaml:"upload"`
	Engine      EngineConfig    `yaml:"engine"`
	Bus         BusConfig       `yaml:"bus"`
}

// UploadConfig controls where uploaded audio lands and how long it may live.
type UploadConfig struct {
	Dir          string `yaml:"dir"`
	MaxBytes     int64  `yaml:"max_bytes"`
	StaleAfterMS int    `yaml:"stale_after_ms"`
	SweepEveryMS int    `yaml:"sweep_every_ms"`
}

// EngineConfig describes how the external transcription engine is located and run.
type EngineConfig struct {
	VenvDir          string `yaml:"venv_dir"`
	Python           string `yaml:"python"`
	Script           string `yaml:"script"`
	WorkDir          string `yaml:"workdir"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	MaxOutputBytes   int64  `yaml:"max_output_bytes"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	AcquireTimeoutMS int    `yaml:"acquire_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              5000,
			CORSOrigin:        "*",
			StaticDir:         "../frontend/dist",
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Upload: UploadConfig{
			Dir:          "./uploads",
			MaxBytes:     200 << 20,
			StaleAfterMS: 60 * 60 * 1000,
			SweepEveryMS: 10 * 60 * 1000,
		},
		Engine: EngineConfig{
			VenvDir:          "./whisper/venv",
			Python:           "python3",
			Script:           "./whisper/transcribe.py",
			TimeoutMS:        15 * 60 * 1000,
			MaxOutputBytes:   200 << 20,
			MaxConcurrent:    2,
			AcquireTimeoutMS: 30 * 1000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "LOQA_SCRIBE_SERVICE_NAME")
	overrideString(&cfg.Environment, "LOQA_SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SCRIBE_HTTP_BIND")
	// PORT and FRONTEND_ORIGIN are the names existing deployments already set.
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "LOQA_SCRIBE_HTTP_PORT")
	overrideString(&cfg.HTTP.CORSOrigin, "FRONTEND_ORIGIN")
	overrideString(&cfg.HTTP.CORSOrigin, "LOQA_SCRIBE_HTTP_CORS_ORIGIN")
	overrideString(&cfg.HTTP.StaticDir, "LOQA_SCRIBE_HTTP_STATIC_DIR")
	overrideInt(&cfg.HTTP.ShutdownTimeoutMS, "LOQA_SCRIBE_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_SCRIBE_TELEMETRY_METRICS_ENABLED")
	overrideString(&cfg.Upload.Dir, "LOQA_SCRIBE_UPLOAD_DIR")
	overrideInt64(&cfg.Upload.MaxBytes, "LOQA_SCRIBE_UPLOAD_MAX_BYTES")
	overrideInt(&cfg.Upload.StaleAfterMS, "LOQA_SCRIBE_UPLOAD_STALE_AFTER_MS")
	overrideInt(&cfg.Upload.SweepEveryMS, "LOQA_SCRIBE_UPLOAD_SWEEP_EVERY_MS")
	overrideString(&cfg.Engine.VenvDir, "LOQA_SCRIBE_ENGINE_VENV_DIR")
	overrideString(&cfg.Engine.Python, "LOQA_SCRIBE_ENGINE_PYTHON")
	overrideString(&cfg.Engine.Script, "LOQA_SCRIBE_ENGINE_SCRIPT")
	overrideString(&cfg.Engine.WorkDir, "LOQA_SCRIBE_ENGINE_WORKDIR")
	overrideInt(&cfg.Engine.TimeoutMS, "LOQA_SCRIBE_ENGINE_TIMEOUT_MS")
	overrideInt64(&cfg.Engine.MaxOutputBytes, "LOQA_SCRIBE_ENGINE_MAX_OUTPUT_BYTES")
	overrideInt(&cfg.Engine.MaxConcurrent, "LOQA_SCRIBE_ENGINE_MAX_CONCURRENT")
	overrideInt(&cfg.Engine.AcquireTimeoutMS, "LOQA_SCRIBE_ENGINE_ACQUIRE_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SCRIBE_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.ShutdownTimeoutMS <= 0 {
		return errors.New("http.shutdown_timeout_ms must be positive")
	}
	if cfg.HTTP.CORSOrigin == "" {
		return errors.New("http.cors_origin must not be empty (use * to allow any origin)")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Upload.Dir == "" {
		return errors.New("upload.dir must not be empty")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	if cfg.Upload.StaleAfterMS < 0 || cfg.Upload.SweepEveryMS < 0 {
		return errors.New("upload.stale_after_ms and upload.sweep_every_ms must be >= 0")
	}
	if strings.TrimSpace(cfg.Engine.Python) == "" {
		return errors.New("engine.python must not be empty")
	}
	if cfg.Engine.Script == "" {
		return errors.New("engine.script must not be empty")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Engine.MaxOutputBytes <= 0 {
		return errors.New("engine.max_output_bytes must be positive")
	}
	if cfg.Engine.MaxConcurrent <= 0 {
		return errors.New("engine.max_concurrent must be >= 1")
	}
	if cfg.Engine.AcquireTimeoutMS < 0 {
		return errors.New("engine.acquire_timeout_ms must be >= 0")
	}
	// Upload mtimes are set at intake, before the job waits for an engine slot.
	if cfg.Upload.SweepEveryMS > 0 && cfg.Upload.StaleAfterMS <= cfg.Engine.TimeoutMS+cfg.Engine.AcquireTimeoutMS {
		return errors.New("upload.stale_after_ms must exceed engine.timeout_ms + engine.acquire_timeout_ms when sweeping is enabled")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
