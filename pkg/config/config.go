package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse naturally
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration of a mindloom process. The same file
// serves the control plane and the worker; each reads the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Stream    StreamConfig    `yaml:"stream"`
	Launch    LaunchConfig    `yaml:"launch"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	AuthTokens      []string `yaml:"auth_tokens"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects and configures the run store driver
type StoreConfig struct {
	Driver      string `yaml:"driver"` // "bolt" or "postgres"
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
}

// BusConfig selects and configures the message bus driver
type BusConfig struct {
	Driver   string `yaml:"driver"` // "redis" or "memory"
	RedisURL string `yaml:"redis_url"`

	// ResultChannelBuffer bounds each subscriber's pending messages;
	// older messages are dropped past it.
	ResultChannelBuffer int `yaml:"result_channel_buffer"`
}

// StreamConfig configures the client-facing stream gateways
type StreamConfig struct {
	ClientSendBuffer  int      `yaml:"client_send_buffer"`
	SendTimeout       Duration `yaml:"send_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	LogStatusPoll     Duration `yaml:"log_status_poll"`
}

// LaunchConfig bounds worker launch retries
type LaunchConfig struct {
	RetryBudget Duration `yaml:"retry_budget"`
}

// ReaperConfig configures the orphan reaper
type ReaperConfig struct {
	Period       Duration `yaml:"period"`
	UnknownGrace Duration `yaml:"unknown_grace"`

	// Election selects how the single reaper writer is chosen:
	// "none" (run exactly one instance) or "kubernetes-lease".
	Election       string `yaml:"election"`
	LeaseName      string `yaml:"lease_name"`
	LeaseNamespace string `yaml:"lease_namespace"`
}

// CleanupConfig configures the finished-worker sweep
type CleanupConfig struct {
	Interval     Duration `yaml:"interval"`
	CompletedAge Duration `yaml:"completed_age"`
	KeepPerRun   int      `yaml:"keep_per_run"`
}

// SchedulerConfig selects and configures the cluster scheduler driver
type SchedulerConfig struct {
	Driver string `yaml:"driver"` // "kubernetes" or "containerd"

	// Kubernetes driver
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`

	// Containerd driver
	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`
}

// WorkerConfig describes the worker processes the scheduler launches
type WorkerConfig struct {
	Image          string `yaml:"image"`
	ServiceAccount string `yaml:"service_account"`

	// SecretRef names the secret carrying store/bus credentials,
	// injected into workers instead of plain environment.
	SecretRef string `yaml:"secret_ref"`

	CPURequest    string `yaml:"cpu_request"`
	CPULimit      string `yaml:"cpu_limit"`
	MemoryRequest string `yaml:"memory_request"`
	MemoryLimit   string `yaml:"memory_limit"`

	// Engine selects the runnable engine inside the worker.
	Engine string `yaml:"engine"`
}

// Default returns the configuration used when no file or overrides are given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver:  "bolt",
			DataDir: "./mindloom-data",
		},
		Bus: BusConfig{
			Driver:              "redis",
			RedisURL:            "redis://localhost:6379/0",
			ResultChannelBuffer: 1024,
		},
		Stream: StreamConfig{
			ClientSendBuffer:  64,
			SendTimeout:       Duration(30 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			LogStatusPoll:     Duration(5 * time.Second),
		},
		Launch: LaunchConfig{
			RetryBudget: Duration(10 * time.Second),
		},
		Reaper: ReaperConfig{
			Period:         Duration(30 * time.Second),
			UnknownGrace:   Duration(60 * time.Second),
			Election:       "none",
			LeaseName:      "mindloom-reaper",
			LeaseNamespace: "default",
		},
		Cleanup: CleanupConfig{
			Interval:     Duration(10 * time.Minute),
			CompletedAge: Duration(10 * time.Minute),
			KeepPerRun:   1,
		},
		Scheduler: SchedulerConfig{
			Driver:              "kubernetes",
			Namespace:           "default",
			ContainerdSocket:    "/run/containerd/containerd.sock",
			ContainerdNamespace: "mindloom",
		},
		Worker: WorkerConfig{
			Image:         "ghcr.io/moosh3/mindloom-worker:latest",
			SecretRef:     "mindloom-worker-env",
			CPURequest:    "250m",
			CPULimit:      "1",
			MemoryRequest: "256Mi",
			MemoryLimit:   "1Gi",
			Engine:        "echo",
		},
	}
}

// Load reads the config file at path (when it exists), layers environment
// overrides on top of defaults, and validates the result. An empty path
// skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers MINDLOOM_* environment variables over the file values.
// Credentialed values (database and redis URLs) normally arrive this way,
// mounted from secrets.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("MINDLOOM_LISTEN", &c.Server.Listen)
	if v := os.Getenv("MINDLOOM_AUTH_TOKEN"); v != "" {
		c.Server.AuthTokens = append(c.Server.AuthTokens, v)
	}
	setString("MINDLOOM_LOG_LEVEL", &c.Log.Level)
	setBool("MINDLOOM_LOG_JSON", &c.Log.JSON)
	setString("MINDLOOM_STORE_DRIVER", &c.Store.Driver)
	setString("MINDLOOM_DATA_DIR", &c.Store.DataDir)
	setString("MINDLOOM_DATABASE_URL", &c.Store.DatabaseURL)
	setString("MINDLOOM_BUS_DRIVER", &c.Bus.Driver)
	setString("MINDLOOM_REDIS_URL", &c.Bus.RedisURL)
	setInt("MINDLOOM_RESULT_CHANNEL_BUFFER", &c.Bus.ResultChannelBuffer)
	setInt("MINDLOOM_CLIENT_SEND_BUFFER", &c.Stream.ClientSendBuffer)
	setString("MINDLOOM_SCHEDULER_DRIVER", &c.Scheduler.Driver)
	setString("MINDLOOM_KUBECONFIG", &c.Scheduler.Kubeconfig)
	setString("MINDLOOM_NAMESPACE", &c.Scheduler.Namespace)
	setString("MINDLOOM_CONTAINERD_SOCKET", &c.Scheduler.ContainerdSocket)
	setString("MINDLOOM_WORKER_IMAGE", &c.Worker.Image)
	setString("MINDLOOM_WORKER_ENGINE", &c.Worker.Engine)
}

// Validate rejects configurations no component could run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "bolt":
		if c.Store.DataDir == "" {
			return fmt.Errorf("config: store.data_dir is required for the bolt driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case "redis":
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("config: bus.redis_url is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}

	switch c.Scheduler.Driver {
	case "kubernetes", "containerd":
	default:
		return fmt.Errorf("config: unknown scheduler driver %q", c.Scheduler.Driver)
	}

	switch c.Reaper.Election {
	case "none", "kubernetes-lease":
	default:
		return fmt.Errorf("config: unknown reaper election mode %q", c.Reaper.Election)
	}

	if c.Bus.ResultChannelBuffer <= 0 {
		return fmt.Errorf("config: bus.result_channel_buffer must be positive")
	}
	if c.Stream.ClientSendBuffer <= 0 {
		return fmt.Errorf("config: stream.client_send_buffer must be positive")
	}
	if c.Cleanup.KeepPerRun < 1 {
		return fmt.Errorf("config: cleanup.keep_per_run must be at least 1")
	}
	return nil
}
