package traceutil

import (
	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"github.com/ghodss/yaml"
	"github.com/mitchellh/mapstructure"

	"github.com/eluv-io/activespan-go/activespan"
)

// Backends are the names of the active-span store backends.
var Backends = struct {
	Goroutine string
	Task      string
	Scope     string
	Noop      string
}{
	Goroutine: "goroutine",
	Task:      "task",
	Scope:     "scope",
	Noop:      "noop",
}

// Recorders are the names of the span recorders.
var Recorders = struct {
	Log       string
	Collector string
	Noop      string
}{
	Log:       "log",
	Collector: "collector",
	Noop:      "noop",
}

// Config is the configuration of a tracer.
//
//	backend: goroutine
//	recorder: collector
//	max_pending_traces: 500
type Config struct {
	Backend          string `json:"backend"`
	Recorder         string `json:"recorder"`
	LogName          string `json:"log_name,omitempty"`           // name of the logger used by the log recorder
	MaxPendingTraces int    `json:"max_pending_traces,omitempty"` // limit of incomplete traces in the collector
}

// DefaultConfig returns the default configuration: spans are published per goroutine and logged on finish.
func DefaultConfig() *Config {
	return &Config{
		Backend:          Backends.Goroutine,
		Recorder:         Recorders.Log,
		LogName:          "/eluvio/traceutil/spans",
		MaxPendingTraces: DefaultMaxPendingTraces,
	}
}

// ParseConfig parses a YAML or JSON configuration. Omitted fields keep their default values.
func ParseConfig(text []byte) (*Config, error) {
	cfg := DefaultConfig()
	err := yaml.Unmarshal(text, cfg)
	if err != nil {
		return nil, errors.E("ParseConfig", errors.K.Invalid, err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFromMap decodes a configuration from a generic map, e.g. a sub-tree of a larger parsed configuration. Omitted
// fields keep their default values.
func ConfigFromMap(m map[string]interface{}) (*Config, error) {
	e := errors.Template("ConfigFromMap", errors.K.Invalid)
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return nil, e(err)
	}
	err = decoder.Decode(m)
	if err != nil {
		return nil, e(err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend and recorder names.
func (c *Config) Validate() error {
	e := errors.Template("Config.Validate", errors.K.Invalid)
	switch c.Backend {
	case Backends.Goroutine, Backends.Task, Backends.Scope, Backends.Noop:
	default:
		return e("reason", "unknown backend", "backend", c.Backend)
	}
	switch c.Recorder {
	case Recorders.Log, Recorders.Collector, Recorders.Noop:
	default:
		return e("reason", "unknown recorder", "recorder", c.Recorder)
	}
	if c.MaxPendingTraces < 0 {
		return e("reason", "negative max_pending_traces", "max_pending_traces", c.MaxPendingTraces)
	}
	return nil
}

// NewStore creates the configured active-span store. The task backend gets its own scheduler, available through
// TaskStore.Scheduler().
func (c *Config) NewStore() activespan.Store {
	switch c.Backend {
	case Backends.Task:
		return activespan.NewTaskStore(activespan.NewScheduler())
	case Backends.Scope:
		return activespan.NewScopeStore()
	case Backends.Noop:
		return activespan.Noop()
	}
	return activespan.NewGoroutineStore()
}

// NewRecorder creates the configured recorder. export receives the traces of the collector recorder.
func (c *Config) NewRecorder(export func(trc *TraceInfo)) Recorder {
	switch c.Recorder {
	case Recorders.Collector:
		return NewCollector(c.MaxPendingTraces, export)
	case Recorders.Noop:
		return NoopRecorder()
	}
	if c.LogName == "" {
		return NewLogRecorder(nil)
	}
	return NewLogRecorder(elog.Get(c.LogName))
}

// NewTracerFromConfig creates a tracer from the given configuration, or the default configuration if cfg is nil.
func NewTracerFromConfig(cfg *Config, export func(trc *TraceInfo)) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.E("NewTracerFromConfig", errors.K.Invalid, err)
	}
	return NewTracer(cfg.NewStore(), cfg.NewRecorder(export)), nil
}
