package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "BMCFANCTL"
	DefaultSearchPath = "/etc"
	DefaultLogLevel   = "info"

	// SourceSMI streams telemetry from the nvidia-smi binary.
	SourceSMI = "nvidia-smi"
	// SourceNVML polls the driver through NVML.
	SourceNVML = "nvml"

	activateOffset = 10
)

type TelemetryConfig struct {
	Source    string `mapstructure:"source"`
	Interval  int    `mapstructure:"interval"`
	QueueSize int    `mapstructure:"queue_size"`
}

type IPMIConfig struct {
	Host         string `mapstructure:"host"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	RetryTimeout int    `mapstructure:"retry_timeout"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is built once by Load and treated as read-only afterwards.
type Config struct {
	MaxTempThreshold         int    `mapstructure:"max_temp_threshold"`
	MinFanSpeedTarget        int    `mapstructure:"min_fan_speed_target"`
	IdleTempTarget           int    `mapstructure:"idle_temp_target"`
	AutoHandoffInterval      int    `mapstructure:"auto_handoff_interval"`
	IdleUtilizationThreshold int    `mapstructure:"idle_utilization_threshold"`
	ActivateThreshold        int    `mapstructure:"activate_threshold"`
	IgnoreGPUs               string `mapstructure:"ignore_gpus"`
	TickInterval             int    `mapstructure:"tick_interval"`
	CurveResolution          int    `mapstructure:"curve_resolution"`
	LogLevel                 string `mapstructure:"log_level"`
	PIDFile                  string `mapstructure:"pid_file"`
	EnvFile                  string `mapstructure:"env_file"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	IPMI      IPMIConfig      `mapstructure:"ipmi"`
	Journal   JournalConfig   `mapstructure:"journal"`

	// IgnoredGPUs is IgnoreGPUs parsed into sorted indices.
	IgnoredGPUs []int `mapstructure:"-"`
}

var defaults = map[string]any{
	"max_temp_threshold":         80,
	"min_fan_speed_target":       50,
	"idle_temp_target":           45,
	"auto_handoff_interval":      10,
	"idle_utilization_threshold": 0,
	"activate_threshold":         -1,
	"ignore_gpus":                "",
	"tick_interval":              1,
	"curve_resolution":           512,
	"log_level":                  DefaultLogLevel,
	"pid_file":                   filepath.Join(os.TempDir(), "bmcfanctl.pid"),
	"env_file":                   "",
	"telemetry.source":           SourceSMI,
	"telemetry.interval":         3,
	"telemetry.queue_size":       1024,
	"ipmi.host":                  "",
	"ipmi.user":                  "",
	"ipmi.password":              "",
	"ipmi.retry_timeout":         5,
	"journal.enabled":            false,
	"journal.path":               "/var/lib/bmcfanctl/journal.db",
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", "", "Path to a TOML configuration file")
	fs.String("env-file", "", "Load environment variables from this file before reading configuration")
	fs.Int("max-temp-threshold", 0, "GPU temperature (Celsius) that drives fans to 100%")
	fs.Int("min-fan-speed-target", 0, "Lowest fan speed (percent) on the fan curve")
	fs.Int("idle-temp-target", 0, "GPU temperature (Celsius) at which the handoff to the BMC starts")
	fs.Int("auto-handoff-interval", 0, "Seconds at idle before control returns to the BMC")
	fs.Int("idle-utilization-threshold", 0, "GPU utilization (percent) still considered idle")
	fs.Int("activate-threshold", 0, "GPU temperature (Celsius) that takes fan control from the BMC (default idle target + 10)")
	fs.String("ignore-gpus", "", "Comma-separated GPU indices to leave out of the hottest-GPU calculation")
	fs.Int("tick-interval", 0, "Seconds between control decisions")
	fs.Int("curve-resolution", 0, "Number of fan curve breakpoints")
	fs.String("log-level", "", "Log level: debug, info, warning, error")
	fs.String("pid-file", "", "PID file used to prevent concurrent controllers")
	fs.String("telemetry-source", "", "Telemetry source: nvidia-smi or nvml")
	fs.Int("telemetry-interval", 0, "Seconds between telemetry reports")
	fs.Int("queue-size", 0, "Telemetry lines buffered between reader and controller")
	fs.String("ipmi-host", "", "Remote BMC address (local interface when empty)")
	fs.String("ipmi-user", "", "Remote BMC user")
	fs.String("ipmi-password", "", "Remote BMC password")
	fs.Int("ipmi-retry-timeout", 0, "Seconds to keep retrying a failed release of fan control")
	fs.Bool("journal", false, "Record control events to SQLite")
	fs.String("journal-path", "", "Path to the control event journal")

	return fs
}

var flagKeys = map[string]string{
	"env-file":                   "env_file",
	"max-temp-threshold":         "max_temp_threshold",
	"min-fan-speed-target":       "min_fan_speed_target",
	"idle-temp-target":           "idle_temp_target",
	"auto-handoff-interval":      "auto_handoff_interval",
	"idle-utilization-threshold": "idle_utilization_threshold",
	"activate-threshold":         "activate_threshold",
	"ignore-gpus":                "ignore_gpus",
	"tick-interval":              "tick_interval",
	"curve-resolution":           "curve_resolution",
	"log-level":                  "log_level",
	"pid-file":                   "pid_file",
	"telemetry-source":           "telemetry.source",
	"telemetry-interval":         "telemetry.interval",
	"queue-size":                 "telemetry.queue_size",
	"ipmi-host":                  "ipmi.host",
	"ipmi-user":                  "ipmi.user",
	"ipmi-password":              "ipmi.password",
	"ipmi-retry-timeout":         "ipmi.retry_timeout",
	"journal":                    "journal.enabled",
	"journal-path":               "journal.path",
}

// Load reads configuration from defaults, the TOML file, the environment,
// and args (without the program name), in increasing precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix:  DefaultEnvPrefix,
		searchPath: DefaultSearchPath,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := newFlagSet("bmcfanctl")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if envFile, _ := fs.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, _ := fs.GetString("config")
	if configPath == "" {
		configPath = o.configPath
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, configPath, o.searchPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if cfg.ActivateThreshold < 0 {
		cfg.ActivateThreshold = cfg.IdleTempTarget + activateOffset
	}

	ignored, err := ParseIgnoreList(cfg.IgnoreGPUs)
	if err != nil {
		return nil, err
	}
	cfg.IgnoredGPUs = ignored

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path, searchPath string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName("bmcfanctl")
	v.SetConfigType("toml")
	v.AddConfigPath(searchPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// ParseIgnoreList parses a comma-separated list of GPU indices.
func ParseIgnoreList(raw string) ([]int, error) {
	errFactory := errors.New()

	var indices []int
	seen := make(map[int]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, errFactory.Wrap(errors.ErrInvalidIgnore, &fieldError{
				field:  "ignore_gpus",
				value:  part,
				reason: "not a GPU index",
			})
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return indices, nil
}

// Validate checks ranges and the relationships between thresholds.
func (c *Config) Validate() error {
	errFactory := errors.New()

	invalid := func(code errors.ErrorCode, field string, value any, reason string) error {
		return errFactory.Wrap(code, &fieldError{field: field, value: value, reason: reason})
	}

	switch {
	case c.TickInterval <= 0:
		return invalid(errors.ErrInvalidInterval, "tick_interval", c.TickInterval, "must be positive")
	case c.Telemetry.Interval <= 0:
		return invalid(errors.ErrInvalidInterval, "telemetry.interval", c.Telemetry.Interval, "must be positive")
	case c.AutoHandoffInterval < 0:
		return invalid(errors.ErrInvalidInterval, "auto_handoff_interval", c.AutoHandoffInterval, "must not be negative")
	case c.IPMI.RetryTimeout < 0:
		return invalid(errors.ErrInvalidInterval, "ipmi.retry_timeout", c.IPMI.RetryTimeout, "must not be negative")
	case c.MinFanSpeedTarget <= 0 || c.MinFanSpeedTarget >= 100:
		return invalid(errors.ErrInvalidConfig, "min_fan_speed_target", c.MinFanSpeedTarget, "must be between 1 and 99")
	case c.IdleUtilizationThreshold < 0 || c.IdleUtilizationThreshold > 100:
		return invalid(errors.ErrInvalidConfig, "idle_utilization_threshold", c.IdleUtilizationThreshold, "must be between 0 and 100")
	case c.ActivateThreshold <= 0:
		return invalid(errors.ErrInvalidConfig, "activate_threshold", c.ActivateThreshold, "must be positive")
	case c.ActivateThreshold >= c.MaxTempThreshold:
		return invalid(errors.ErrInvalidConfig, "activate_threshold", c.ActivateThreshold, "must be below max_temp_threshold")
	case c.IdleTempTarget >= c.ActivateThreshold:
		return invalid(errors.ErrInvalidConfig, "idle_temp_target", c.IdleTempTarget, "must be below activate_threshold")
	case c.CurveResolution < 2:
		return invalid(errors.ErrInvalidConfig, "curve_resolution", c.CurveResolution, "must be at least 2")
	case c.Telemetry.QueueSize <= 0:
		return invalid(errors.ErrInvalidConfig, "telemetry.queue_size", c.Telemetry.QueueSize, "must be positive")
	case c.Telemetry.Source != SourceSMI && c.Telemetry.Source != SourceNVML:
		return invalid(errors.ErrInvalidConfig, "telemetry.source", c.Telemetry.Source, "must be nvidia-smi or nvml")
	case !LogLevel(c.LogLevel).IsValid():
		return invalid(errors.ErrInvalidLogLevel, "log_level", c.LogLevel, "must be debug, info, warning or error")
	case c.Journal.Enabled && c.Journal.Path == "":
		return invalid(errors.ErrInvalidConfig, "journal.path", c.Journal.Path, "required when the journal is enabled")
	case c.PIDFile == "":
		return invalid(errors.ErrInvalidConfig, "pid_file", c.PIDFile, "must not be empty")
	}

	return nil
}

// IsIgnored reports whether the GPU at index is excluded from aggregation.
func (c *Config) IsIgnored(index int) bool {
	i := sort.SearchInts(c.IgnoredGPUs, index)
	return i < len(c.IgnoredGPUs) && c.IgnoredGPUs[i] == index
}

func (c *Config) Tick() time.Duration {
	return time.Duration(c.TickInterval) * time.Second
}

func (c *Config) HandoffInterval() time.Duration {
	return time.Duration(c.AutoHandoffInterval) * time.Second
}

func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.Interval) * time.Second
}

func (c *Config) RetryTimeout() time.Duration {
	return time.Duration(c.IPMI.RetryTimeout) * time.Second
}
