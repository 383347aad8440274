// Package config loads service configuration from YAML, a .env file and
// FACEEMBED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix of environment overrides, which take the form
// FACEEMBED_SECTION_FIELD, e.g. FACEEMBED_SERVER_MAX_UPLOAD_BYTES.
const EnvPrefix = "FACEEMBED_"

const maxConfigFileSize = 1 << 20

// defaults is loaded before anything else so an explicit zero in a file or
// the environment still wins.
var defaults = []byte(`
server:
  host: 0.0.0.0
  port: 8000
  max_upload_bytes: 33554432
  read_timeout: 60s
  write_timeout: 60s
  shutdown_timeout: 15s
  log_timings: false
model:
  root: ~/.insightface/models
  name: buffalo_l
  det_size: 640
  det_thresh: 0.5
  nms_thresh: 0.4
  ctx_id: 0
  pool_size: 4
  acquire_timeout: 5s
runtime:
  library_path: ""
  intra_op_threads: 0
  inter_op_threads: 1
logging:
  level: info
  format: json
`)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Model   ModelConfig   `koanf:"model"`
	Runtime RuntimeConfig `koanf:"runtime"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// MaxUploadBytes of 0 disables the request size limit.
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LogTimings      bool          `koanf:"log_timings"`
}

type ModelConfig struct {
	Root           string  `koanf:"root"`
	Name           string  `koanf:"name"`
	DetectorFile   string  `koanf:"detector_file"`
	RecognizerFile string  `koanf:"recognizer_file"`
	DetSize        int     `koanf:"det_size"`
	DetThresh      float32 `koanf:"det_thresh"`
	NMSThresh      float32 `koanf:"nms_thresh"`
	// CtxID < 0 selects the CPU, otherwise the CUDA device with that id.
	CtxID          int           `koanf:"ctx_id"`
	PoolSize       int           `koanf:"pool_size"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

type RuntimeConfig struct {
	LibraryPath    string `koanf:"library_path"`
	IntraOpThreads int    `koanf:"intra_op_threads"`
	InterOpThreads int    `koanf:"inter_op_threads"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration. Precedence, highest first: environment
// (including variables from envFile), the YAML file at configPath, built-in
// defaults. Either path may be empty; a missing envFile is ignored.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Model.Root = expandHome(cfg.Model.Root)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps FACEEMBED_SERVER_MAX_UPLOAD_BYTES to server.max_upload_bytes.
// Only the first underscore separates section from field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory: %s", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("invalid server max_upload_bytes: %d (must be >= 0)", c.Server.MaxUploadBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid server shutdown_timeout: %s", c.Server.ShutdownTimeout)
	}

	if c.Model.Name == "" {
		return errors.New("model name is required")
	}
	if c.Model.Root == "" {
		return errors.New("model root is required")
	}
	if c.Model.DetSize <= 0 || c.Model.DetSize%32 != 0 {
		return fmt.Errorf("invalid model det_size: %d (must be a positive multiple of 32)", c.Model.DetSize)
	}
	if c.Model.DetThresh <= 0 || c.Model.DetThresh > 1 {
		return fmt.Errorf("invalid model det_thresh: %v (must be in (0, 1])", c.Model.DetThresh)
	}
	if c.Model.NMSThresh <= 0 || c.Model.NMSThresh > 1 {
		return fmt.Errorf("invalid model nms_thresh: %v (must be in (0, 1])", c.Model.NMSThresh)
	}
	if c.Model.PoolSize < 1 {
		return fmt.Errorf("invalid model pool_size: %d (must be >= 1)", c.Model.PoolSize)
	}
	if c.Model.AcquireTimeout <= 0 {
		return fmt.Errorf("invalid model acquire_timeout: %s", c.Model.AcquireTimeout)
	}

	if c.Runtime.IntraOpThreads < 0 || c.Runtime.InterOpThreads < 0 {
		return errors.New("runtime thread counts must be >= 0")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}

	return nil
}
