package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode     Mode
	Port     string
	LogLevel string

	StorageBackend   string // "memory" or "firestore"
	QueueBackend     string // "memory" or "pebble"
	QueuePath        string
	LLMBackend       string // "mock", "vertex" or "openai"
	TelephonyBackend string // "mock" or "synthflow"

	GCPProjectID string
	GCPLocation  string
	ModelName    string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	SynthflowURL     string
	SynthflowAPIKey  string
	SynthflowModelID string

	Workers        int
	PollInterval   time.Duration
	CallTimeout    time.Duration
	RetryDelay     time.Duration
	CallsPerSecond float64
	CallBurst      int
	StaleAfter     time.Duration
	SweepSchedule  string
	SweepEnabled   bool

	TurnTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// File is the optional YAML overlay. Zero fields keep the built-in default and
// environment variables win over both.
type File struct {
	Mode     string `yaml:"mode"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Storage struct {
		Backend string `yaml:"backend"`
	} `yaml:"storage"`

	Queue struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"queue"`

	LLM struct {
		Backend  string `yaml:"backend"`
		Project  string `yaml:"project"`
		Location string `yaml:"location"`
		Model    string `yaml:"model"`
		OpenAI   struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"openai"`
	} `yaml:"llm"`

	Telephony struct {
		Backend string `yaml:"backend"`
		URL     string `yaml:"url"`
		ModelID string `yaml:"model_id"`
	} `yaml:"telephony"`

	Outreach struct {
		Workers        int      `yaml:"workers"`
		PollInterval   Duration `yaml:"poll_interval"`
		CallTimeout    Duration `yaml:"call_timeout"`
		RetryDelay     Duration `yaml:"retry_delay"`
		CallsPerSecond float64  `yaml:"calls_per_second"`
		CallBurst      int      `yaml:"call_burst"`
		StaleAfter     Duration `yaml:"stale_after"`
		SweepSchedule  string   `yaml:"sweep_schedule"`
	} `yaml:"outreach"`

	TurnTimeout     Duration `yaml:"turn_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration parses Go duration strings such as "5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func getIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Defaults returns the local-mode configuration.
func Defaults() *Config {
	return &Config{
		Mode:     ModeLocal,
		Port:     "8080",
		LogLevel: "info",

		StorageBackend:   "memory",
		QueueBackend:     "memory",
		QueuePath:        "data/outreach",
		LLMBackend:       "mock",
		TelephonyBackend: "mock",

		GCPLocation: "us-central1",
		ModelName:   "gemini-2.5-flash",
		OpenAIModel: "gpt-4o-mini",

		SynthflowURL: "https://api.synthflow.ai",

		Workers:        8,
		PollInterval:   5 * time.Second,
		CallTimeout:    100 * time.Second,
		RetryDelay:     2 * time.Second,
		CallsPerSecond: 2,
		CallBurst:      4,
		StaleAfter:     10 * time.Minute,
		SweepSchedule:  "*/5 * * * *",
		SweepEnabled:   true,

		TurnTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads .env, the optional YAML file named by SOURCING_CONFIG_FILE, and
// the environment, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	if path := os.Getenv("SOURCING_CONFIG_FILE"); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.apply(f)
	}

	// gcp mode switches the backend defaults before env overrides apply.
	cfg.Mode = Mode(getEnv("SOURCING_MODE", string(cfg.Mode)))
	if cfg.Mode == ModeGCP {
		cfg.gcpDefaults()
	}

	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}

func (c *Config) gcpDefaults() {
	if c.StorageBackend == "memory" {
		c.StorageBackend = "firestore"
	}
	if c.QueueBackend == "memory" {
		c.QueueBackend = "pebble"
	}
	if c.LLMBackend == "mock" {
		c.LLMBackend = "vertex"
	}
	if c.TelephonyBackend == "mock" {
		c.TelephonyBackend = "synthflow"
	}
}

func (c *Config) apply(f *File) {
	setString(&c.Port, f.Port)
	setString(&c.LogLevel, f.LogLevel)
	if f.Mode != "" {
		c.Mode = Mode(f.Mode)
	}
	setString(&c.StorageBackend, f.Storage.Backend)
	setString(&c.QueueBackend, f.Queue.Backend)
	setString(&c.QueuePath, f.Queue.Path)
	setString(&c.LLMBackend, f.LLM.Backend)
	setString(&c.GCPProjectID, f.LLM.Project)
	setString(&c.GCPLocation, f.LLM.Location)
	setString(&c.ModelName, f.LLM.Model)
	setString(&c.OpenAIModel, f.LLM.OpenAI.Model)
	setString(&c.OpenAIBaseURL, f.LLM.OpenAI.BaseURL)
	setString(&c.TelephonyBackend, f.Telephony.Backend)
	setString(&c.SynthflowURL, f.Telephony.URL)
	setString(&c.SynthflowModelID, f.Telephony.ModelID)

	o := f.Outreach
	if o.Workers != 0 {
		c.Workers = o.Workers
	}
	if o.CallsPerSecond != 0 {
		c.CallsPerSecond = o.CallsPerSecond
	}
	if o.CallBurst != 0 {
		c.CallBurst = o.CallBurst
	}
	setString(&c.SweepSchedule, o.SweepSchedule)
	setDuration(&c.PollInterval, o.PollInterval)
	setDuration(&c.CallTimeout, o.CallTimeout)
	setDuration(&c.RetryDelay, o.RetryDelay)
	setDuration(&c.StaleAfter, o.StaleAfter)
	setDuration(&c.TurnTimeout, f.TurnTimeout)
	setDuration(&c.ShutdownTimeout, f.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

func (c *Config) fromEnv() error {
	c.Port = getEnv("SOURCING_PORT", c.Port)
	c.LogLevel = getEnv("SOURCING_LOG_LEVEL", c.LogLevel)

	c.StorageBackend = getEnv("SOURCING_STORAGE_BACKEND", c.StorageBackend)
	c.QueueBackend = getEnv("SOURCING_QUEUE_BACKEND", c.QueueBackend)
	c.QueuePath = getEnv("SOURCING_QUEUE_PATH", c.QueuePath)
	c.LLMBackend = getEnv("SOURCING_LLM_BACKEND", c.LLMBackend)
	c.TelephonyBackend = getEnv("SOURCING_TELEPHONY_BACKEND", c.TelephonyBackend)

	c.GCPProjectID = getEnv("SOURCING_GCP_PROJECT", c.GCPProjectID)
	c.GCPLocation = getEnv("SOURCING_GCP_LOCATION", c.GCPLocation)
	c.ModelName = getEnv("SOURCING_MODEL_NAME", c.ModelName)

	c.OpenAIAPIKey = getEnv("SOURCING_OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIModel = getEnv("SOURCING_OPENAI_MODEL", c.OpenAIModel)
	c.OpenAIBaseURL = getEnv("SOURCING_OPENAI_BASE_URL", c.OpenAIBaseURL)

	c.SynthflowURL = getEnv("SOURCING_SYNTHFLOW_URL", c.SynthflowURL)
	c.SynthflowAPIKey = getEnv("SOURCING_SYNTHFLOW_API_KEY", c.SynthflowAPIKey)
	c.SynthflowModelID = getEnv("SOURCING_SYNTHFLOW_MODEL_ID", c.SynthflowModelID)

	c.SweepSchedule = getEnv("SOURCING_SWEEP_SCHEDULE", c.SweepSchedule)
	c.SweepEnabled = getBoolEnv("SOURCING_SWEEP_ENABLED", c.SweepEnabled)

	var err error
	if c.Workers, err = getIntEnv("SOURCING_WORKERS", c.Workers); err != nil {
		return err
	}
	if c.CallBurst, err = getIntEnv("SOURCING_CALL_BURST", c.CallBurst); err != nil {
		return err
	}
	if c.CallsPerSecond, err = getFloatEnv("SOURCING_CALLS_PER_SECOND", c.CallsPerSecond); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SOURCING_POLL_INTERVAL", &c.PollInterval},
		{"SOURCING_CALL_TIMEOUT", &c.CallTimeout},
		{"SOURCING_RETRY_DELAY", &c.RetryDelay},
		{"SOURCING_STALE_AFTER", &c.StaleAfter},
		{"SOURCING_TURN_TIMEOUT", &c.TurnTimeout},
		{"SOURCING_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDurationEnv(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks backend names, required credentials and numeric limits.
func (c *Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeGCP {
		return fmt.Errorf("SOURCING_MODE must be local or gcp, got %q", c.Mode)
	}
	if err := oneOf("SOURCING_STORAGE_BACKEND", c.StorageBackend, "memory", "firestore"); err != nil {
		return err
	}
	if err := oneOf("SOURCING_QUEUE_BACKEND", c.QueueBackend, "memory", "pebble"); err != nil {
		return err
	}
	if err := oneOf("SOURCING_LLM_BACKEND", c.LLMBackend, "mock", "vertex", "openai"); err != nil {
		return err
	}
	if err := oneOf("SOURCING_TELEPHONY_BACKEND", c.TelephonyBackend, "mock", "synthflow"); err != nil {
		return err
	}

	if (c.StorageBackend == "firestore" || c.LLMBackend == "vertex") && c.GCPProjectID == "" {
		return fmt.Errorf("SOURCING_GCP_PROJECT must be set for firestore or vertex")
	}
	if c.LLMBackend == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("SOURCING_OPENAI_API_KEY must be set for the openai backend")
	}
	if c.TelephonyBackend == "synthflow" && (c.SynthflowAPIKey == "" || c.SynthflowModelID == "") {
		return fmt.Errorf("SOURCING_SYNTHFLOW_API_KEY and SOURCING_SYNTHFLOW_MODEL_ID must be set for synthflow")
	}
	if c.QueueBackend == "pebble" && c.QueuePath == "" {
		return fmt.Errorf("SOURCING_QUEUE_PATH must be set for the pebble queue")
	}

	if c.Workers <= 0 || c.CallBurst <= 0 || c.CallsPerSecond <= 0 {
		return fmt.Errorf("workers, call burst and calls per second must be positive")
	}
	for name, d := range map[string]time.Duration{
		"poll interval":    c.PollInterval,
		"call timeout":     c.CallTimeout,
		"retry delay":      c.RetryDelay,
		"stale after":      c.StaleAfter,
		"turn timeout":     c.TurnTimeout,
		"shutdown timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PollInterval > c.CallTimeout {
		return fmt.Errorf("poll interval %s exceeds call timeout %s", c.PollInterval, c.CallTimeout)
	}
	if !gronx.IsValid(c.SweepSchedule) {
		return fmt.Errorf("SOURCING_SWEEP_SCHEDULE %q is not a valid cron expression", c.SweepSchedule)
	}
	return nil
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", key, allowed, v)
}
