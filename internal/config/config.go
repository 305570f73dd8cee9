package config

import (
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and handed to every component that needs it.
type Config struct {
	Server    Server
	Upload    Upload
	Inference Inference
	Database  Database
	Redis     Redis
	Archive   Archive
	Auth      Auth
	GRPC      GRPC
	LogLevel  string
}

type Server struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Addr returns the listen address of the HTTP server.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type Upload struct {
	Dir          string
	MaxFileSize  int64
	AllowedTypes []string
}

type Inference struct {
	Interpreter   string
	ScriptPath    string
	ModelPath     string
	Timeout       time.Duration
	MaxConcurrent int64
}

type Database struct {
	Driver      string
	DSN         string
	PingTimeout time.Duration
}

type Redis struct {
	Addr          string
	Password      string
	DB            int
	RecordTTL     time.Duration
	StatisticsTTL time.Duration
}

// Enabled reports whether a Redis cache was configured.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

type Archive struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

// Enabled reports whether uploaded images should be mirrored to object storage.
func (a Archive) Enabled() bool {
	return a.Bucket != ""
}

type Auth struct {
	JWTSecret   string
	JWTAudience string
}

type GRPC struct {
	Addr           string
	HealthInterval time.Duration
}

// DefaultInterpreter picks the scorer interpreter name for the host OS.
func DefaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Load reads configuration from the environment and, when CONFIG_FILE is set,
// from that file. Environment values win over the file.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom populates a Config from the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", file, err)
		}
	}

	cfg := &Config{
		Server: Server{
			Host:            v.GetString("HOST"),
			Port:            v.GetString("PORT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  stringList(v.Get("CORS_ALLOWED_ORIGINS")),
		},
		Upload: Upload{
			Dir:          v.GetString("UPLOAD_DIR"),
			MaxFileSize:  v.GetInt64("MAX_FILE_SIZE"),
			AllowedTypes: stringList(v.Get("ALLOWED_TYPES")),
		},
		Inference: Inference{
			Interpreter:   v.GetString("PYTHON_COMMAND"),
			ScriptPath:    v.GetString("PYTHON_SCRIPT_PATH"),
			ModelPath:     v.GetString("MODEL_PATH"),
			Timeout:       v.GetDuration("INFERENCE_TIMEOUT"),
			MaxConcurrent: v.GetInt64("INFERENCE_MAX_CONCURRENT"),
		},
		Database: Database{
			Driver:      strings.ToLower(v.GetString("DATABASE_DRIVER")),
			DSN:         v.GetString("DATABASE_DSN"),
			PingTimeout: v.GetDuration("DATABASE_PING_TIMEOUT"),
		},
		Redis: Redis{
			Addr:          v.GetString("REDIS_ADDR"),
			Password:      v.GetString("REDIS_PASSWORD"),
			DB:            v.GetInt("REDIS_DB"),
			RecordTTL:     v.GetDuration("RECORD_CACHE_TTL"),
			StatisticsTTL: v.GetDuration("STATISTICS_CACHE_TTL"),
		},
		Archive: Archive{
			Bucket:          v.GetString("S3_BUCKET"),
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			PublicBaseURL:   v.GetString("S3_PUBLIC_BASE_URL"),
		},
		Auth: Auth{
			JWTSecret:   v.GetString("JWT_SECRET"),
			JWTAudience: v.GetString("JWT_AUDIENCE"),
		},
		GRPC: GRPC{
			Addr:           v.GetString("GRPC_ADDR"),
			HealthInterval: v.GetDuration("GRPC_HEALTH_INTERVAL"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "4000")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("MAX_FILE_SIZE", 10*1024*1024) // 10MB
	v.SetDefault("ALLOWED_TYPES", []string{"image/jpeg", "image/jpg", "image/png"})

	v.SetDefault("PYTHON_COMMAND", DefaultInterpreter())
	v.SetDefault("PYTHON_SCRIPT_PATH", "predict.py")
	v.SetDefault("MODEL_PATH", "../python-eye/model.h5")
	v.SetDefault("INFERENCE_TIMEOUT", 2*time.Minute)
	v.SetDefault("INFERENCE_MAX_CONCURRENT", 4)

	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=eye_test port=5432 sslmode=disable")
	v.SetDefault("DATABASE_PING_TIMEOUT", 2*time.Second)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RECORD_CACHE_TTL", 10*time.Minute)
	v.SetDefault("STATISTICS_CACHE_TTL", 30*time.Second)

	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_PUBLIC_BASE_URL", "")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("GRPC_ADDR", "")
	v.SetDefault("GRPC_HEALTH_INTERVAL", 10*time.Second)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CONFIG_FILE", "")
}

func (c *Config) validate() error {
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.Upload.MaxFileSize)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return fmt.Errorf("ALLOWED_TYPES must not be empty")
	}
	if c.Inference.Interpreter == "" {
		return fmt.Errorf("PYTHON_COMMAND must not be empty")
	}
	if c.Inference.MaxConcurrent < 0 {
		return fmt.Errorf("INFERENCE_MAX_CONCURRENT must not be negative, got %d", c.Inference.MaxConcurrent)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q, expected postgres or sqlite", c.Database.Driver)
	}
	return nil
}

// stringList accepts both list defaults and comma separated environment values.
func stringList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		raw = strings.Split(v, ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
