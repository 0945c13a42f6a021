package model

import (
	_ "embed"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	ProviderUDisks = "udisks"
	ProviderStatic = "static"

	DefaultListen = "127.0.0.1:8790"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	defs   cue.Value
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	defs = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int            `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service        `json:"service" yaml:"service"`
	API       API            `json:"api" yaml:"api"`
	Scheduler Scheduler      `json:"scheduler" yaml:"scheduler"`
	Devices   Devices        `json:"devices" yaml:"devices"`
	Backend   map[string]any `json:"backend,omitempty" yaml:"backend,omitempty"` // read by viper, see backend.ParseConfig
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// API is the HTTP and WebSocket surface of the engine.
type API struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

type Scheduler struct {
	ProgressBuffer  int    `json:"progress_buffer" yaml:"progress_buffer"`
	EjectOnComplete bool   `json:"eject_on_complete" yaml:"eject_on_complete"`
	EjectTimeout    string `json:"eject_timeout" yaml:"eject_timeout"` // 30s, 1m30s, ...
}

// EjectTimeoutDuration returns parsed eject_timeout. The schema guarantees the format.
func (s Scheduler) EjectTimeoutDuration() time.Duration {
	d, err := ParseCueDuration(s.EjectTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type Devices struct {
	Providers []string       `json:"providers" yaml:"providers"`
	Refresh   Schedule       `json:"refresh" yaml:"refresh"`
	Static    []StaticDevice `json:"static" yaml:"static"`
}

// Schedule is either a cron expression or an ISO-8601 duration. Cron wins
// when both are set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type StaticDevice struct {
	ID         string `json:"id" yaml:"id"`
	Label      string `json:"label" yaml:"label"`
	Path       string `json:"path" yaml:"path"`
	Media      string `json:"media" yaml:"media"`
	HasMedia   bool   `json:"has_media" yaml:"has_media"`
	Blank      bool   `json:"blank" yaml:"blank"`
	Rewritable *bool  `json:"rewritable,omitempty" yaml:"rewritable,omitempty"` // nil => derived from media
	Writable   *bool  `json:"writable,omitempty" yaml:"writable,omitempty"`     // nil => derived from media
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{Log: LogStderr},
		API:     API{Enabled: true, Listen: DefaultListen},
		Scheduler: Scheduler{
			ProgressBuffer:  32,
			EjectOnComplete: true,
			EjectTimeout:    "30s",
		},
		Devices: Devices{
			Providers: []string{ProviderUDisks},
			Refresh:   Schedule{Duration: "PT5S"},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("frisbee.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// CueErrDetails converts an error returned from LoadConfig into
// a list of human readable details. Other errors yield nil.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}
