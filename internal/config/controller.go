/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"
)

// EnvPrefix is the prefix of environment variables overriding configuration keys.
const EnvPrefix = "EDGE_PROVISIONER"

// Mode selects the topology profile and the control-loop strategy.
type Mode int

const (
	// ModeEvicting runs the eviction passes before every placement cycle.
	ModeEvicting Mode = 1
	// ModePlacementOnly skips the eviction passes.
	ModePlacementOnly Mode = 2
)

// Profile returns the catalog profile key for the mode.
func (m Mode) Profile() string {
	return strconv.Itoa(int(m))
}

func (m Mode) String() string {
	switch m {
	case ModeEvicting:
		return "evicting"
	case ModePlacementOnly:
		return "placement-only"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Solver encoders.
const (
	EncoderJSON = "json"
	EncoderAMPL = "ampl"
)

// Stats store backends.
const (
	StatsBackendFile  = "file"
	StatsBackendRedis = "redis"
)

// Telemetry sources.
const (
	TelemetryMetricsAPI = "metrics-api"
	TelemetryPrometheus = "prometheus"
)

// ReadinessConfig bounds the wait for a newly created deployment.
type ReadinessConfig struct {
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	Factor       float64       `mapstructure:"factor"`
	MaxDelay     time.Duration `mapstructure:"maxDelay"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SolverConfig describes how the external solver is invoked.
type SolverConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	WorkDir     string   `mapstructure:"workDir"`
	Encoder     string   `mapstructure:"encoder"`
	TemplateDir string   `mapstructure:"templateDir"`
	ResultFile  string   `mapstructure:"resultFile"`
}

// StatsConfig selects and configures the stats store backend.
type StatsConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	RedisAddr   string `mapstructure:"redisAddr"`
	RedisDB     int    `mapstructure:"redisDB"`
	MaxRequests int    `mapstructure:"maxRequests"`
}

// TelemetryConfig selects where node usage is read from.
type TelemetryConfig struct {
	Source        string `mapstructure:"source"`
	PrometheusURL string `mapstructure:"prometheusURL"`
}

// ManifestConfig controls deployment/service generation.
type ManifestConfig struct {
	TemplateDir    string        `mapstructure:"templateDir"`
	CacheTTL       time.Duration `mapstructure:"cacheTTL"`
	ServiceMonitor bool          `mapstructure:"serviceMonitor"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ControllerConfig is the process configuration of the provisioner.
type ControllerConfig struct {
	Mode           Mode            `mapstructure:"mode"`
	Namespace      string          `mapstructure:"namespace"`
	CatalogFile    string          `mapstructure:"catalogFile"`
	Interval       time.Duration   `mapstructure:"interval"`
	Staleness      time.Duration   `mapstructure:"staleness"`
	UsageThreshold int             `mapstructure:"usageThreshold"`
	Readiness      ReadinessConfig `mapstructure:"readiness"`
	Solver         SolverConfig    `mapstructure:"solver"`
	Stats          StatsConfig     `mapstructure:"stats"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
	Manifests      ManifestConfig  `mapstructure:"manifests"`
	Server         ServerConfig    `mapstructure:"server"`
}

// SetDefaults registers default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", int(ModeEvicting))
	v.SetDefault("namespace", "deployed-services")
	v.SetDefault("catalogFile", "")
	v.SetDefault("interval", time.Duration(0))
	v.SetDefault("staleness", 5*time.Hour)
	v.SetDefault("usageThreshold", 10)
	v.SetDefault("readiness.initialDelay", 500*time.Millisecond)
	v.SetDefault("readiness.factor", 2.0)
	v.SetDefault("readiness.maxDelay", 10*time.Second)
	v.SetDefault("readiness.timeout", 5*time.Minute)
	v.SetDefault("solver.command", "./ampl")
	v.SetDefault("solver.args", []string{})
	v.SetDefault("solver.workDir", "ampl_files")
	v.SetDefault("solver.encoder", EncoderJSON)
	v.SetDefault("solver.templateDir", "")
	v.SetDefault("solver.resultFile", "solver_results.txt")
	v.SetDefault("stats.backend", StatsBackendFile)
	v.SetDefault("stats.dir", ".")
	v.SetDefault("stats.redisAddr", "localhost:6379")
	v.SetDefault("stats.redisDB", 0)
	v.SetDefault("stats.maxRequests", 0)
	v.SetDefault("telemetry.source", TelemetryMetricsAPI)
	v.SetDefault("telemetry.prometheusURL", "")
	v.SetDefault("manifests.templateDir", "")
	v.SetDefault("manifests.cacheTTL", 30*time.Minute)
	v.SetDefault("manifests.serviceMonitor", false)
	v.SetDefault("server.addr", ":24432")
}

// BindFlags declares the command-line flags and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.IntP("mode", "m", int(ModeEvicting), "Operating mode: 1 (evict, then place) or 2 (place only)")
	fs.String("config", "", "Path to a configuration file")
	fs.String("namespace", "deployed-services", "Namespace holding the deployed model services")
	fs.String("catalog-file", "", "Path to the static catalog; empty uses the built-in reference catalog")
	fs.Duration("interval", 0, "Cycle interval; 0 runs a single cycle")
	fs.Duration("staleness", 5*time.Hour, "Idle time after which a model deployment is evicted")
	fs.Int("usage-threshold", 10, "Request count below which a model deployment is evicted")
	fs.String("stats-dir", ".", "Directory holding model_stats.json and request_stats.json")
	fs.String("stats-backend", StatsBackendFile, "Stats store backend: file or redis")
	fs.String("solver-command", "./ampl", "Solver executable, relative to the solver work directory")
	fs.String("solver-encoder", EncoderJSON, "Solver input encoding: json or ampl")
	fs.String("telemetry-source", TelemetryMetricsAPI, "Node usage source: metrics-api or prometheus")
	fs.String("listen", ":24432", "Address of the HTTP control surface")

	bindings := map[string]string{
		"mode":             "mode",
		"namespace":        "namespace",
		"catalogFile":      "catalog-file",
		"interval":         "interval",
		"staleness":        "staleness",
		"usageThreshold":   "usage-threshold",
		"stats.dir":        "stats-dir",
		"stats.backend":    "stats-backend",
		"solver.command":   "solver-command",
		"solver.encoder":   "solver-encoder",
		"telemetry.source": "telemetry-source",
		"server.addr":      "listen",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional configuration file and decodes the configuration.
func Load(v *viper.Viper, file string) (*ControllerConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}
	return Decode(v)
}

// Decode converts the current viper state into a validated ControllerConfig.
func Decode(v *viper.Viper) (*ControllerConfig, error) {
	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for invalid configuration values.
func (c *ControllerConfig) Validate() error {
	if c.Mode != ModeEvicting && c.Mode != ModePlacementOnly {
		return fmt.Errorf("mode must be 1 or 2, got %d", int(c.Mode))
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be >= 0, got %s", c.Interval)
	}
	if c.Staleness <= 0 {
		return fmt.Errorf("staleness must be > 0, got %s", c.Staleness)
	}
	if c.UsageThreshold < 0 {
		return fmt.Errorf("usageThreshold must be >= 0, got %d", c.UsageThreshold)
	}
	if c.Readiness.InitialDelay <= 0 || c.Readiness.Timeout <= 0 {
		return fmt.Errorf("readiness initialDelay and timeout must be > 0")
	}
	if c.Readiness.Factor < 1 {
		return fmt.Errorf("readiness factor must be >= 1, got %.2f", c.Readiness.Factor)
	}
	if c.Readiness.MaxDelay < c.Readiness.InitialDelay {
		return fmt.Errorf("readiness maxDelay (%s) should be >= initialDelay (%s)",
			c.Readiness.MaxDelay, c.Readiness.InitialDelay)
	}
	if c.Solver.Command == "" {
		return fmt.Errorf("solver command must not be empty")
	}
	if c.Solver.Encoder != EncoderJSON && c.Solver.Encoder != EncoderAMPL {
		return fmt.Errorf("solver encoder must be %q or %q, got %q", EncoderJSON, EncoderAMPL, c.Solver.Encoder)
	}
	if c.Solver.ResultFile == "" {
		return fmt.Errorf("solver resultFile must not be empty")
	}
	switch c.Stats.Backend {
	case StatsBackendFile:
		if c.Stats.Dir == "" {
			return fmt.Errorf("stats dir must not be empty for the file backend")
		}
	case StatsBackendRedis:
		if c.Stats.RedisAddr == "" {
			return fmt.Errorf("stats redisAddr must not be empty for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported stats backend %q", c.Stats.Backend)
	}
	if c.Stats.MaxRequests < 0 {
		return fmt.Errorf("stats maxRequests must be >= 0, got %d", c.Stats.MaxRequests)
	}
	switch c.Telemetry.Source {
	case TelemetryMetricsAPI:
	case TelemetryPrometheus:
		if c.Telemetry.PrometheusURL == "" {
			return fmt.Errorf("telemetry prometheusURL is required for the prometheus source")
		}
	default:
		return fmt.Errorf("unsupported telemetry source %q", c.Telemetry.Source)
	}
	return nil
}

// Watch re-decodes the configuration whenever the config file changes and
// passes valid results to onChange. Invalid updates are logged and dropped.
func Watch(v *viper.Viper, onChange func(*ControllerConfig)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger := ctrl.Log.WithName("config")
		cfg, err := Decode(v)
		if err != nil {
			logger.Error(err, "Ignoring invalid configuration update", "file", e.Name, "op", e.Op.String())
			return
		}
		logger.Info("Configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
