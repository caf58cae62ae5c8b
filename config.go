package evertask

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evertask/evertask/internal/observability"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/retry"
)

// Duration parses YAML values like "45s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// RetryConfig selects a retry policy in configuration. Policy names one of
// the built-ins: "none", "linear" or "exponential". Unset numeric fields
// fall back to the policy's defaults.
type RetryConfig struct {
	Policy       string   `yaml:"policy"`
	MaxAttempts  int      `yaml:"max_attempts"`
	Delay        Duration `yaml:"delay"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Factor       float64  `yaml:"factor"`
}

func (r *RetryConfig) toPolicy() (retry.Policy, error) {
	if r == nil {
		return nil, nil
	}
	switch r.Policy {
	case "none":
		return retry.None{}, nil
	case "", "linear":
		p := retry.DefaultLinear()
		if r.MaxAttempts > 0 {
			p.MaxAttempts = r.MaxAttempts
		}
		if r.Delay > 0 {
			p.Delay = time.Duration(r.Delay)
		}
		return p, nil
	case "exponential":
		p := retry.DefaultExponential()
		if r.MaxAttempts > 0 {
			p.MaxAttempts = r.MaxAttempts
		}
		if r.InitialDelay > 0 {
			p.InitialDelay = time.Duration(r.InitialDelay)
		}
		if r.MaxDelay > 0 {
			p.MaxDelay = time.Duration(r.MaxDelay)
		}
		if r.Factor > 1 {
			p.Factor = r.Factor
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q", r.Policy)
	}
}

// FullMode names the behaviour of a run queue at capacity.
type FullMode string

const (
	// FullModeWait blocks the producer until space frees up.
	FullModeWait FullMode = "wait"

	// FullModeDropWrite rejects the incoming task, marking it failed.
	FullModeDropWrite FullMode = "drop_write"

	// FullModeDropOldest evicts the oldest waiting task to make room.
	FullModeDropOldest FullMode = "drop_oldest"

	// FullModeFallbackToDefault retries on the default queue.
	FullModeFallbackToDefault FullMode = "fallback_to_default"
)

// QueueConfig describes one named run queue.
type QueueConfig struct {
	Name                   string   `yaml:"name"`
	Capacity               int      `yaml:"capacity"`
	MaxDegreeOfParallelism int      `yaml:"max_degree_of_parallelism"`
	FullMode               FullMode `yaml:"full_mode"`

	// AuditLevel overrides the global level for tasks routed to this
	// queue. Handler-level overrides still win.
	AuditLevel models.AuditLevel `yaml:"audit_level"`

	// DefaultTimeout overrides the global attempt timeout for tasks routed
	// to this queue. Handler-level overrides still win.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// DefaultRetry overrides the global retry policy for tasks routed to
	// this queue. Handler-level overrides still win.
	DefaultRetry *RetryConfig `yaml:"default_retry"`
}

// LoggingConfig controls host logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Config configures a TaskService.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	// DefaultQueue receives tasks that do not name a queue. Its full-mode
	// policy is always wait, so fallback routing terminates.
	DefaultQueue QueueConfig `yaml:"default_queue"`

	// Queues are additional named queues.
	Queues []QueueConfig `yaml:"queues"`

	// AuditLevel is the global default audit level.
	AuditLevel models.AuditLevel `yaml:"audit_level"`

	// ThrowIfUnableToPersist makes Dispatch fail when storage rejects the
	// task. When false the task still runs, trading durability for
	// availability.
	ThrowIfUnableToPersist *bool `yaml:"throw_if_unable_to_persist"`

	// DefaultTimeout bounds each execution attempt for handlers without a
	// TimeoutConfigurer. Zero means no timeout.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// DefaultRetry is the retry policy applied to handlers without a
	// RetryConfigurer. Nil means three linear attempts 500ms apart.
	DefaultRetry *RetryConfig `yaml:"default_retry"`

	// MaxCapturedLogs bounds the log lines persisted per execution.
	MaxCapturedLogs int `yaml:"max_captured_logs"`

	// CaptureLogLevel is the minimum level persisted from handler logs.
	CaptureLogLevel string `yaml:"capture_log_level"`

	// ShutdownGrace is how long Stop waits for in-flight executions
	// before abandoning them as service-stopped.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// RecoveryPageSize is the keyset page size used at startup.
	RecoveryPageSize int `yaml:"recovery_page_size"`
}

// DefaultConfig returns a configuration scaled to the host CPU count.
func DefaultConfig() *Config {
	parallelism := runtime.NumCPU()
	if parallelism < 4 {
		parallelism = 4
	}
	throw := true
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		DefaultQueue: QueueConfig{
			Name:                   queue.DefaultQueueName,
			Capacity:               1000,
			MaxDegreeOfParallelism: parallelism,
			FullMode:               FullModeWait,
		},
		AuditLevel:             models.AuditFull,
		ThrowIfUnableToPersist: &throw,
		MaxCapturedLogs:        observability.DefaultMaxCapturedLogs,
		CaptureLogLevel:        "info",
		ShutdownGrace:          Duration(30 * time.Second),
		RecoveryPageSize:       100,
	}
}

// LoadConfig reads a YAML configuration file, expanding ${ENV_VAR}
// references before parsing, and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	config := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if c.DefaultQueue.Capacity <= 0 {
		c.DefaultQueue.Capacity = defaults.DefaultQueue.Capacity
	}
	if c.DefaultQueue.MaxDegreeOfParallelism <= 0 {
		c.DefaultQueue.MaxDegreeOfParallelism = defaults.DefaultQueue.MaxDegreeOfParallelism
	}
	c.DefaultQueue.Name = queue.DefaultQueueName
	c.DefaultQueue.FullMode = FullModeWait
	if c.AuditLevel == "" {
		c.AuditLevel = defaults.AuditLevel
	}
	if c.ThrowIfUnableToPersist == nil {
		c.ThrowIfUnableToPersist = defaults.ThrowIfUnableToPersist
	}
	if c.MaxCapturedLogs <= 0 {
		c.MaxCapturedLogs = defaults.MaxCapturedLogs
	}
	if c.CaptureLogLevel == "" {
		c.CaptureLogLevel = defaults.CaptureLogLevel
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
	if c.RecoveryPageSize <= 0 {
		c.RecoveryPageSize = defaults.RecoveryPageSize
	}
}

// Validate rejects inconsistent queue and retry configurations.
func (c *Config) Validate() error {
	if _, err := c.DefaultRetry.toPolicy(); err != nil {
		return err
	}
	if _, err := c.DefaultQueue.DefaultRetry.toPolicy(); err != nil {
		return fmt.Errorf("queue %q: %w", queue.DefaultQueueName, err)
	}
	seen := map[string]bool{queue.DefaultQueueName: true}
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue name is required")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
		switch q.FullMode {
		case "", FullModeWait, FullModeDropWrite, FullModeDropOldest, FullModeFallbackToDefault:
		default:
			return fmt.Errorf("queue %q: unknown full mode %q", q.Name, q.FullMode)
		}
		switch q.AuditLevel {
		case "", models.AuditFull, models.AuditMinimal, models.AuditErrorsOnly, models.AuditNone:
		default:
			return fmt.Errorf("queue %q: unknown audit level %q", q.Name, q.AuditLevel)
		}
		if _, err := q.DefaultRetry.toPolicy(); err != nil {
			return fmt.Errorf("queue %q: %w", q.Name, err)
		}
	}
	return nil
}

// queueConfigs maps the public configuration onto the queue manager's.
func (c *Config) queueConfigs() (queue.QueueConfig, []queue.QueueConfig) {
	def := queue.QueueConfig{
		Name:                   queue.DefaultQueueName,
		Capacity:               c.DefaultQueue.Capacity,
		MaxDegreeOfParallelism: c.DefaultQueue.MaxDegreeOfParallelism,
		FullMode:               queue.FullModeWait,
	}
	extra := make([]queue.QueueConfig, 0, len(c.Queues))
	for _, q := range c.Queues {
		extra = append(extra, queue.QueueConfig{
			Name:                   q.Name,
			Capacity:               q.Capacity,
			MaxDegreeOfParallelism: q.MaxDegreeOfParallelism,
			FullMode:               queue.FullMode(q.FullMode),
		})
	}
	return def, extra
}

// queueTimeout resolves the attempt timeout configured for a queue name,
// falling back to the global default.
func (c *Config) queueTimeout(name string) time.Duration {
	if name == "" || name == queue.DefaultQueueName {
		if c.DefaultQueue.DefaultTimeout > 0 {
			return time.Duration(c.DefaultQueue.DefaultTimeout)
		}
		return time.Duration(c.DefaultTimeout)
	}
	for _, q := range c.Queues {
		if q.Name == name && q.DefaultTimeout > 0 {
			return time.Duration(q.DefaultTimeout)
		}
	}
	return time.Duration(c.DefaultTimeout)
}

// queueRetryPolicy resolves the retry policy configured for a queue name,
// handler overrides aside: queue override, then the global default, then
// three linear attempts.
func (c *Config) queueRetryPolicy(name string) retry.Policy {
	var override *RetryConfig
	if name == "" || name == queue.DefaultQueueName {
		override = c.DefaultQueue.DefaultRetry
	} else {
		for _, q := range c.Queues {
			if q.Name == name {
				override = q.DefaultRetry
				break
			}
		}
	}
	if override == nil {
		override = c.DefaultRetry
	}
	if p, err := override.toPolicy(); err == nil && p != nil {
		return p
	}
	return retry.DefaultLinear()
}

// queueAuditLevel resolves the audit level configured for a queue name,
// falling back to the global level.
func (c *Config) queueAuditLevel(name string) models.AuditLevel {
	if name == "" || name == queue.DefaultQueueName {
		if c.DefaultQueue.AuditLevel != "" {
			return c.DefaultQueue.AuditLevel
		}
		return c.AuditLevel
	}
	for _, q := range c.Queues {
		if q.Name == name && q.AuditLevel != "" {
			return q.AuditLevel
		}
	}
	return c.AuditLevel
}
