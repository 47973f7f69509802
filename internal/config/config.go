package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// Exec mode constants.
const (
	ExecModeConsume = "consume"
	ExecModeCreate  = "create"
)

// Transport mode constants.
const (
	TransportSSHTunnel  = "sshTunnel"
	TransportDirectHTTP = "directHttp"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "flotilla.db"
	defaultDataDir        = "/tmp/flotilla"
	defaultBackend        = "static"
	defaultRuntime        = "python3"
	defaultStartTimeout   = 300 * time.Second
	defaultSoftDismantle  = 300 * time.Second
	defaultHardDismantle  = 3600 * time.Second
	defaultMaxConcurrency = 16
	defaultProxyPort      = 8080
	defaultSSHUser        = "root"

	envListenAddr           = "FLOTILLA_LISTEN_ADDR"
	envDBPath               = "FLOTILLA_DB_PATH"
	envLogLevel             = "FLOTILLA_LOG_LEVEL"
	envDataDir              = "FLOTILLA_DATA_DIR"
	envBackend              = "FLOTILLA_BACKEND"
	envRuntime              = "FLOTILLA_RUNTIME"
	envExecMode             = "FLOTILLA_EXEC_MODE"
	envStartTimeout         = "FLOTILLA_START_TIMEOUT"
	envAutoDismantle        = "FLOTILLA_AUTO_DISMANTLE"
	envSoftDismantleTimeout = "FLOTILLA_SOFT_DISMANTLE_TIMEOUT"
	envHardDismantleTimeout = "FLOTILLA_HARD_DISMANTLE_TIMEOUT"
	envDisableLogMonitoring = "FLOTILLA_DISABLE_LOG_MONITORING"
	envTransportMode        = "FLOTILLA_TRANSPORT_MODE"
	envEncryptionKey        = "FLOTILLA_ENCRYPTION_KEY"
	envLocalRuntimeLoad     = "FLOTILLA_LOCAL_RUNTIME_LOAD"
	envPullRuntime          = "FLOTILLA_PULL_RUNTIME"
	envMaxConcurrency       = "FLOTILLA_MAX_CONCURRENCY"
	envWorkerHost           = "FLOTILLA_WORKER_HOST"
	envWorkerInstanceID     = "FLOTILLA_WORKER_INSTANCE_ID"
	envSSHUser              = "FLOTILLA_SSH_USER"
	envSSHPassword          = "FLOTILLA_SSH_PASSWORD"
	envSSHKeyPath           = "FLOTILLA_SSH_KEY_PATH"
	envPayloadArchive       = "FLOTILLA_PAYLOAD_ARCHIVE"
	envAccessDataPath       = "FLOTILLA_ACCESS_DATA"
)

// Configuration validation errors.
var (
	ErrMissingEncryptionKey = errors.New("transport mode directHttp requires an encryption key")
	ErrInvalidEncryptionKey = errors.New("encryption key is not a valid fernet key")
	ErrInvalidExecMode      = errors.New("exec mode must be one of: consume, create")
	ErrInvalidTransportMode = errors.New("transport mode must be one of: sshTunnel, directHttp")
)

// Config holds the full control-plane configuration, loaded once at startup
// from environment variables with sensible defaults.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DataDir is the local scratch root; job completion markers live under
	// <DataDir>/jobs and log sinks under <DataDir>/logs.
	DataDir string

	Backend string
	Runtime string

	ExecMode             string
	StartTimeout         time.Duration
	AutoDismantle        bool
	SoftDismantleTimeout time.Duration
	HardDismantleTimeout time.Duration
	DisableLogMonitoring bool
	TransportMode        string
	EncryptionKey        string
	LocalRuntimeLoad     bool
	PullRuntime          bool

	// MaxConcurrency bounds consume-mode fan-out against a single worker.
	MaxConcurrency int

	ProxyPort int

	// WorkerHost and WorkerInstanceID bind a pre-existing worker for consume
	// mode; both are read by the static cloud provider.
	WorkerHost       string
	WorkerInstanceID string

	SSHUser     string
	SSHPassword string
	SSHKeyPath  string

	// PayloadArchive is the local archive uploaded to fresh workers during
	// proxy installation. Empty means the workers already carry the payload.
	PayloadArchive string

	AccessDataPath string
}

// Load reads configuration from environment variables.
func Load() Config {
	cfg := Config{
		ListenAddr:           defaultListenAddr,
		DBPath:               defaultDBPath,
		LogLevel:             slog.LevelInfo,
		DataDir:              defaultDataDir,
		Backend:              defaultBackend,
		Runtime:              defaultRuntime,
		ExecMode:             ExecModeConsume,
		StartTimeout:         defaultStartTimeout,
		AutoDismantle:        true,
		SoftDismantleTimeout: defaultSoftDismantle,
		HardDismantleTimeout: defaultHardDismantle,
		TransportMode:        TransportSSHTunnel,
		MaxConcurrency:       defaultMaxConcurrency,
		ProxyPort:            defaultProxyPort,
		SSHUser:              defaultSSHUser,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envRuntime); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv(envExecMode); v != "" {
		cfg.ExecMode = v
	}
	if v := os.Getenv(envStartTimeout); v != "" {
		cfg.StartTimeout = parseDuration(v, cfg.StartTimeout)
	}
	if v := os.Getenv(envAutoDismantle); v != "" {
		cfg.AutoDismantle = parseBool(v, cfg.AutoDismantle)
	}
	if v := os.Getenv(envSoftDismantleTimeout); v != "" {
		cfg.SoftDismantleTimeout = parseDuration(v, cfg.SoftDismantleTimeout)
	}
	if v := os.Getenv(envHardDismantleTimeout); v != "" {
		cfg.HardDismantleTimeout = parseDuration(v, cfg.HardDismantleTimeout)
	}
	if v := os.Getenv(envDisableLogMonitoring); v != "" {
		cfg.DisableLogMonitoring = parseBool(v, false)
	}
	if v := os.Getenv(envTransportMode); v != "" {
		cfg.TransportMode = v
	}
	if v := os.Getenv(envEncryptionKey); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv(envLocalRuntimeLoad); v != "" {
		cfg.LocalRuntimeLoad = parseBool(v, false)
	}
	if v := os.Getenv(envPullRuntime); v != "" {
		cfg.PullRuntime = parseBool(v, false)
	}
	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv(envWorkerHost); v != "" {
		cfg.WorkerHost = v
	}
	if v := os.Getenv(envWorkerInstanceID); v != "" {
		cfg.WorkerInstanceID = v
	}
	if v := os.Getenv(envSSHUser); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv(envSSHPassword); v != "" {
		cfg.SSHPassword = v
	}
	if v := os.Getenv(envSSHKeyPath); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := os.Getenv(envPayloadArchive); v != "" {
		cfg.PayloadArchive = v
	}
	if v := os.Getenv(envAccessDataPath); v != "" {
		cfg.AccessDataPath = v
	}

	return cfg
}

// Validate fails fast on configuration errors, before any instance is touched.
func (c Config) Validate() error {
	if c.ExecMode != ExecModeConsume && c.ExecMode != ExecModeCreate {
		return fmt.Errorf("%w: got %q", ErrInvalidExecMode, c.ExecMode)
	}
	if c.TransportMode != TransportSSHTunnel && c.TransportMode != TransportDirectHTTP {
		return fmt.Errorf("%w: got %q", ErrInvalidTransportMode, c.TransportMode)
	}
	if c.TransportMode == TransportDirectHTTP {
		if c.EncryptionKey == "" {
			return ErrMissingEncryptionKey
		}
		if _, err := fernet.DecodeKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEncryptionKey, err)
		}
	}
	return nil
}

// JobsDir returns the directory holding per-job completion markers.
func (c Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// LogsDir returns the directory holding per-job log files.
func (c Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// AggregateLogPath returns the append-only aggregated log file.
func (c Config) AggregateLogPath() string {
	return filepath.Join(c.DataDir, "flotilla.log")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration accepts either a Go duration string or a bare number of
// seconds, matching how deployments written against the original wire format
// specify timeouts.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
