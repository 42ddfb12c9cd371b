package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config carries the runtime tunables. The zero value is usable: every
	// zero field keeps the owning component's default, which DefaultConfig
	// lists explicitly.
	Config struct {
		Conversation ConversationConfig
		Task         TaskConfig
		Pipeline     PipelineConfig
		Queue        QueueConfig
		// SweepInterval is the period of the background expiry sweep. Zero
		// means 1 minute; negative disables the sweeper.
		SweepInterval time.Duration
		// ErrorGrace is how long the state machine stays in error mode before
		// recovering to idle. Zero means 5 seconds; negative disables
		// recovery.
		ErrorGrace time.Duration
	}

	// ConversationConfig bounds conversation child sessions.
	ConversationConfig struct {
		// MaxTurns is the per-conversation turn budget.
		MaxTurns int
		// ContextWindow is how many recent turns feed the language model.
		ContextWindow int
		// SnapshotInterval is the memory-snapshot period in turns.
		SnapshotInterval int
	}

	// TaskConfig bounds task child sessions.
	TaskConfig struct {
		// MaxSteps is the per-task step budget.
		MaxSteps int
		// IdleTimeout is the rolling deadline a task must advance within.
		// Negative disables expiry.
		IdleTimeout time.Duration
	}

	// PipelineConfig tunes the cycle coordinator.
	PipelineConfig struct {
		// InvokeTimeout bounds each module invocation.
		InvokeTimeout time.Duration
		// HistoryCap bounds the invocation history ring; at the cap it is
		// trimmed to HistoryTrim entries.
		HistoryCap  int
		HistoryTrim int
		// DedupeCap bounds the flow-key set used for layer idempotency.
		DedupeCap int
	}

	// QueueConfig tunes the deferred event queue.
	QueueConfig struct {
		// Workers is the number of dispatch goroutines.
		Workers int
		// Buffer is the per-worker channel capacity.
		Buffer int
		// History is the size of the retained event ring.
		History int
	}
)

// fileConfig is the YAML form of Config. Durations are strings in Go syntax
// because the YAML decoder cannot produce time.Duration directly; integers are
// pointers so absent keys leave the defaults untouched.
type (
	fileConfig struct {
		Conversation fileConversation `yaml:"conversation"`
		Task         fileTask         `yaml:"task"`
		Pipeline     filePipeline     `yaml:"pipeline"`
		Queue        fileQueue        `yaml:"queue"`
		SweepInterval string          `yaml:"sweep_interval"`
		ErrorGrace    string          `yaml:"error_grace"`
	}

	fileConversation struct {
		MaxTurns         *int `yaml:"max_turns"`
		ContextWindow    *int `yaml:"context_window"`
		SnapshotInterval *int `yaml:"snapshot_interval"`
	}

	fileTask struct {
		MaxSteps    *int   `yaml:"max_steps"`
		IdleTimeout string `yaml:"idle_timeout"`
	}

	filePipeline struct {
		InvokeTimeout string `yaml:"invoke_timeout"`
		HistoryCap    *int   `yaml:"history_cap"`
		HistoryTrim   *int   `yaml:"history_trim"`
		DedupeCap     *int   `yaml:"dedupe_cap"`
	}

	fileQueue struct {
		Workers *int `yaml:"workers"`
		Buffer  *int `yaml:"buffer"`
		History *int `yaml:"history"`
	}
)

// DefaultConfig returns the effective built-in configuration: the values a
// zero Config resolves to once every component applies its own defaults.
func DefaultConfig() Config {
	return Config{
		Conversation: ConversationConfig{
			MaxTurns:         50,
			ContextWindow:    10,
			SnapshotInterval: 20,
		},
		Task: TaskConfig{
			MaxSteps:    50,
			IdleTimeout: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			InvokeTimeout: 30 * time.Second,
			HistoryCap:    100,
			HistoryTrim:   50,
			DedupeCap:     2000,
		},
		Queue: QueueConfig{
			Workers: 2,
			Buffer:  256,
			History: 100,
		},
		SweepInterval: time.Minute,
		ErrorGrace:    5 * time.Second,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
// Durations accept Go syntax ("30s", "5m"). A missing file is not an error;
// the defaults are returned so a bare install runs without any config.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc fileConfig
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := doc.overlay(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// overlay applies every key present in the file onto cfg.
func (d fileConfig) overlay(cfg *Config) error {
	overlayInt(&cfg.Conversation.MaxTurns, d.Conversation.MaxTurns)
	overlayInt(&cfg.Conversation.ContextWindow, d.Conversation.ContextWindow)
	overlayInt(&cfg.Conversation.SnapshotInterval, d.Conversation.SnapshotInterval)
	overlayInt(&cfg.Task.MaxSteps, d.Task.MaxSteps)
	overlayInt(&cfg.Pipeline.HistoryCap, d.Pipeline.HistoryCap)
	overlayInt(&cfg.Pipeline.HistoryTrim, d.Pipeline.HistoryTrim)
	overlayInt(&cfg.Pipeline.DedupeCap, d.Pipeline.DedupeCap)
	overlayInt(&cfg.Queue.Workers, d.Queue.Workers)
	overlayInt(&cfg.Queue.Buffer, d.Queue.Buffer)
	overlayInt(&cfg.Queue.History, d.Queue.History)

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"task.idle_timeout", d.Task.IdleTimeout, &cfg.Task.IdleTimeout},
		{"pipeline.invoke_timeout", d.Pipeline.InvokeTimeout, &cfg.Pipeline.InvokeTimeout},
		{"sweep_interval", d.SweepInterval, &cfg.SweepInterval},
		{"error_grace", d.ErrorGrace, &cfg.ErrorGrace},
	} {
		if f.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = dur
	}
	return nil
}

func overlayInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
