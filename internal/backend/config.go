package backend

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/viper"

	"github.com/thefrisbee/frisbee/internal/job"
)

// Names of the configurable commands.
const (
	CmdErase       = "erase"
	CmdEraseFull   = "erase_full"
	CmdEraseDisk   = "erase_disk"
	CmdImage       = "image"
	CmdRestore     = "restore"
	CmdRestoreDisk = "restore_disk"
	CmdFinalize    = "finalize"
	CmdUnmount     = "unmount"
	CmdEject       = "eject"
)

type CommandConfig struct {
	Path    string            `mapstructure:"path"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Timeout time.Duration     `mapstructure:"timeout"`
	// Progress matches a progress line, named groups current and total.
	Progress string `mapstructure:"progress"`
	// Stages maps a stage name to a regular expression switching to it.
	Stages map[string]string `mapstructure:"stages"`
}

type Config struct {
	Commands map[string]CommandConfig `mapstructure:"commands"`
	// Ejected matches output lines telling the medium went away.
	Ejected string `mapstructure:"ejected"`
	// TempDir holds the intermediate image of a media copy. Empty means
	// the system default.
	TempDir string `mapstructure:"temp_dir"`
}

// ParseConfig reads the key from viper and fills in the default for every
// command not configured.
func ParseConfig(key string) (Config, error) {
	var cfg Config
	if err := viper.UnmarshalKey(key, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

// DefaultConfig drives wodim for optical media and dd/wipefs for disks.
func DefaultConfig() Config {
	const (
		wodimProgress = `(?P<current>\d+) of\s+(?P<total>\d+) MB written`
		ddProgress    = `^(?P<current>\d+) bytes`
	)
	return Config{
		Ejected: `(?i)(no disk|medium not present|wrong disk|no medium)`,
		Commands: map[string]CommandConfig{
			CmdErase: {
				Path: "wodim",
				Args: []string{"-v", "dev={{.Device}}", "blank=fast"},
			},
			CmdEraseFull: {
				Path: "wodim",
				Args: []string{"-v", "dev={{.Device}}", "blank=all"},
			},
			CmdEraseDisk: {
				Path: "wipefs",
				Args: []string{"--all", "{{.Device}}"},
			},
			CmdImage: {
				Path:     "dd",
				Args:     []string{"if={{.Device}}", "of={{.Output}}", "bs=2048", "status=progress"},
				Progress: ddProgress,
			},
			CmdRestore: {
				Path:     "wodim",
				Args:     []string{"-v", "-eject=no", "dev={{.Device}}", "{{.Image}}"},
				Progress: wodimProgress,
				Stages:   map[string]string{"finalizing": `(?i)^fixating`},
			},
			CmdRestoreDisk: {
				Path:     "dd",
				Args:     []string{"if={{.Image}}", "of={{.Device}}", "bs=4M", "conv=fsync", "status=progress"},
				Progress: ddProgress,
			},
		},
	}
}

// WithDefaults returns c with missing commands taken from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	out := Config{Ejected: c.Ejected, TempDir: c.TempDir, Commands: make(map[string]CommandConfig, len(def.Commands))}
	if out.Ejected == "" {
		out.Ejected = def.Ejected
	}
	for name, cmd := range def.Commands {
		out.Commands[name] = cmd
	}
	for name, cmd := range c.Commands {
		out.Commands[name] = cmd
	}
	return out
}

// TemplateData are the placeholders available in command arguments.
type TemplateData struct {
	Device string
	Output string
	Image  string
}

// Cmd renders the arguments for a particular operation.
func (c CommandConfig) Cmd(data TemplateData) (Command, error) {
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		tpl, err := template.New("arg").Option("missingkey=error").Parse(a)
		if err != nil {
			return Command{}, fmt.Errorf("parsing argument %q: %w", a, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, data); err != nil {
			return Command{}, fmt.Errorf("rendering argument %q: %w", a, err)
		}
		args = append(args, buf.String())
	}

	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path:    c.Path,
		Args:    args,
		Env:     env,
		Timeout: c.Timeout,
	}, nil
}

// compiled is a CommandConfig with parsed regular expressions.
type compiled struct {
	CommandConfig
	progress *regexp.Regexp
	stages   []stageRx
}

type stageRx struct {
	stage job.Stage
	rx    *regexp.Regexp
}

func compile(name string, c CommandConfig) (compiled, error) {
	out := compiled{CommandConfig: c}
	if c.Path == "" {
		return out, fmt.Errorf("backend.commands.%s.path is empty", name)
	}
	for _, a := range c.Args {
		if _, err := template.New("arg").Parse(a); err != nil {
			return out, fmt.Errorf("backend.commands.%s.args: %w", name, err)
		}
	}
	if c.Progress != "" {
		rx, err := regexp.Compile(c.Progress)
		if err != nil {
			return out, fmt.Errorf("backend.commands.%s.progress: %w", name, err)
		}
		if rx.SubexpIndex("current") < 0 {
			return out, fmt.Errorf("backend.commands.%s.progress: missing group current", name)
		}
		out.progress = rx
	}
	for stage, expr := range c.Stages {
		rx, err := regexp.Compile(expr)
		if err != nil {
			return out, fmt.Errorf("backend.commands.%s.stages.%s: %w", name, stage, err)
		}
		if !job.Stage(stage).Known() {
			return out, fmt.Errorf("backend.commands.%s.stages: unknown stage %q", name, stage)
		}
		out.stages = append(out.stages, stageRx{stage: job.Stage(stage), rx: rx})
	}
	slices.SortFunc(out.stages, func(a, b stageRx) int { return strings.Compare(string(a.stage), string(b.stage)) })
	return out, nil
}
