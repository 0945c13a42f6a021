package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
)

// Commander is a Backend running configured external programs, one process
// per device at a time.
type Commander struct {
	commands map[string]compiled
	ejected  *regexp.Regexp
	tempDir  string

	mx      sync.Mutex
	runners map[string]*Runner
}

func NewCommander(cfg Config) (*Commander, error) {
	c := &Commander{
		commands: make(map[string]compiled, len(cfg.Commands)),
		tempDir:  cfg.TempDir,
		runners:  make(map[string]*Runner),
	}
	var errs []error
	for name, cmd := range cfg.Commands {
		cc, err := compile(name, cmd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.commands[name] = cc
	}
	if cfg.Ejected != "" {
		rx, err := regexp.Compile(cfg.Ejected)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend.ejected: %w", err))
		}
		c.ejected = rx
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Has reports whether the named command is configured.
func (c *Commander) Has(name string) bool {
	_, ok := c.commands[name]
	return ok
}

func (c *Commander) runner(deviceID string) *Runner {
	c.mx.Lock()
	defer c.mx.Unlock()
	r, ok := c.runners[deviceID]
	if !ok {
		r = NewRunner()
		c.runners[deviceID] = r
	}
	return r
}

type step struct {
	name  string
	stage job.Stage
	// source runs the command against the source drive of a copy
	source bool
}

// plan returns the commands an operation consists of.
func (c *Commander) plan(op Operation) ([]step, error) {
	optical := op.Device.Capabilities.Media.Optical()
	var steps []step
	switch p := op.Params.(type) {
	case job.EraseParams:
		switch {
		case !optical:
			steps = append(steps, step{name: CmdEraseDisk, stage: job.StageErasing})
		case p.Full:
			steps = append(steps, step{name: CmdEraseFull, stage: job.StageErasing})
		default:
			steps = append(steps, step{name: CmdErase, stage: job.StageErasing})
		}
	case job.ImageParams:
		steps = append(steps, step{name: CmdImage, stage: job.StageImaging})
	case job.RestoreParams:
		if p.Copy() {
			if op.Source.Path == "" {
				return nil, fmt.Errorf("%w: copy from %s without a source path", ErrUnsupported, p.SourceDeviceID)
			}
			steps = append(steps, step{name: CmdImage, stage: job.StageReading, source: true})
		}
		if !optical {
			steps = append(steps, step{name: CmdRestoreDisk, stage: job.StageBurning})
			break
		}
		if !op.Device.Capabilities.Blank {
			steps = append(steps, step{name: CmdErase, stage: job.StageErasing})
		}
		steps = append(steps, step{name: CmdRestore, stage: job.StageBurning})
		if c.Has(CmdFinalize) {
			steps = append(steps, step{name: CmdFinalize, stage: job.StageFinalizing})
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, op.Params)
	}
	for _, s := range steps {
		if !c.Has(s.name) {
			return nil, fmt.Errorf("%w: command %s not configured", ErrUnsupported, s.name)
		}
	}
	return steps, nil
}

func templateData(op Operation) TemplateData {
	data := TemplateData{Device: op.Device.Path}
	switch p := op.Params.(type) {
	case job.ImageParams:
		data.Output = p.OutputPath
	case job.RestoreParams:
		data.Image = p.SourceImagePath
	}
	return data
}

// Execute runs all commands of the operation. No new command starts after
// ctx is done. A media copy images the source drive into a temporary file
// first and restores that.
func (c *Commander) Execute(ctx context.Context, op Operation, events chan<- Event) error {
	steps, err := c.plan(op)
	if err != nil {
		return err
	}
	data := templateData(op)
	if p, ok := op.Params.(job.RestoreParams); ok && p.Copy() {
		image, err := c.copyImage()
		if err != nil {
			return err
		}
		defer os.Remove(image)
		data.Output, data.Image = image, image
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Send(ctx, events, Event{Stage: s.stage}); err != nil {
			return err
		}
		dev, d := op.Device, data
		if s.source {
			dev, d.Device = op.Source, op.Source.Path
		}
		if err := c.run(ctx, dev, s, d, events); err != nil {
			return err
		}
	}
	return nil
}

// copyImage creates the intermediate image of a media copy.
func (c *Commander) copyImage() (string, error) {
	f, err := os.CreateTemp(c.tempDir, "frisbee-copy-*.img")
	if err != nil {
		return "", fmt.Errorf("creating copy image: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("creating copy image: %w", err)
	}
	return f.Name(), nil
}

func (c *Commander) Eject(ctx context.Context, dev device.Handle) error {
	if !c.Has(CmdEject) {
		return fmt.Errorf("%w: command %s not configured", ErrUnsupported, CmdEject)
	}
	return c.run(ctx, dev, step{name: CmdEject, stage: job.StageEjecting}, TemplateData{Device: dev.Path}, nil)
}

func (c *Commander) Unmount(ctx context.Context, dev device.Handle) error {
	if !c.Has(CmdUnmount) {
		return fmt.Errorf("%w: command %s not configured", ErrUnsupported, CmdUnmount)
	}
	return c.run(ctx, dev, step{name: CmdUnmount, stage: job.StageUnmounting}, TemplateData{Device: dev.Path}, nil)
}

func (c *Commander) run(ctx context.Context, dev device.Handle, s step, data TemplateData, events chan<- Event) error {
	cc := c.commands[s.name]
	cmd, err := cc.Cmd(data)
	if err != nil {
		return err
	}

	// called from both stdout and stderr readers
	var mx sync.Mutex
	stage := s.stage
	var ejected bool
	lineFunc := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "command output", "command", s.name, "line", line)
		mx.Lock()
		defer mx.Unlock()
		if c.ejected != nil && c.ejected.MatchString(line) {
			ejected = true
		}
		if events == nil {
			return
		}
		ev, ok := cc.parse(line, stage)
		if !ok {
			return
		}
		stage = ev.Stage
		_ = Send(ctx, events, ev)
	}

	slog.DebugContext(ctx, "running command", "command", s.name, "path", cmd.Path, "args", cmd.Args)
	res, err := c.runner(dev.ID).Run(ctx, cmd, lineFunc)
	mx.Lock()
	defer mx.Unlock()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case ejected:
		return fmt.Errorf("%w: %s", ErrMediumEjected, lastLine(res))
	case dev.Path != "" && deviceGone(dev.Path):
		return fmt.Errorf("%w: %s", ErrDeviceRemoved, dev.Path)
	default:
		return fmt.Errorf("%w: %s: %v: %s", ErrBackend, s.name, err, lastLine(res))
	}
}

// parse turns an output line into an event. Lines which neither match the
// progress nor a stage expression are ignored.
func (c compiled) parse(line string, stage job.Stage) (Event, bool) {
	matched := false
	for _, s := range c.stages {
		if s.rx.MatchString(line) {
			stage = s.stage
			matched = true
			break
		}
	}
	ev := Event{Stage: stage}
	if c.progress != nil {
		if m := c.progress.FindStringSubmatch(line); m != nil {
			ev.Current = group(c.progress, m, "current")
			ev.Total = group(c.progress, m, "total")
			matched = true
		}
	}
	if matched {
		ev.Message = line
	}
	return ev, matched
}

func group(rx *regexp.Regexp, m []string, name string) uint64 {
	idx := rx.SubexpIndex(name)
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(m[idx]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func lastLine(res Result) string {
	if len(res.Tail) == 0 {
		return ""
	}
	return res.Tail[len(res.Tail)-1]
}

func deviceGone(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}
