package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thefrisbee/frisbee/internal/job"
	"github.com/thefrisbee/frisbee/internal/log"
)

var errJobCancelled = errors.New("job cancelled")

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "list drives and their media",
	Args:  cobra.NoArgs,
	RunE:  doDevices,
}

var eraseCmd = &cobra.Command{
	Use:   "erase DEVICE",
	Short: "erase a rewritable disc or wipe a disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		yes, _ := cmd.Flags().GetBool("yes")
		return runJob(cmd, args[0], job.EraseParams{Full: full}, job.Confirm{AlreadyBlank: yes})
	},
}

var imageCmd = &cobra.Command{
	Use:   "image DEVICE OUTPUT",
	Short: "copy the medium into an image file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], job.ImageParams{OutputPath: args[1]}, job.Confirm{})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore DEVICE [IMAGE]",
	Short: "write an image file, or with --from the medium of another drive, to the medium",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destroy, _ := cmd.Flags().GetBool("destroy")
		from, _ := cmd.Flags().GetString("from")
		params := job.RestoreParams{SourceDeviceID: from, DestroyExistingData: destroy}
		if len(args) == 2 {
			params.SourceImagePath = args[1]
		}
		return runJob(cmd, args[0], params, job.Confirm{})
	},
}

func doDevices(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = e.Close(ctx)
	}()

	devices, err := e.registry.Devices(ctx)
	if err != nil {
		slog.WarnContext(ctx, "listing devices", "error", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tLABEL\tMEDIA\tBLANK\tREWRITABLE")
	for _, d := range devices {
		media := "-"
		if d.Capabilities.HasMedia {
			media = d.Capabilities.Media.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n",
			d.ID, d.Path, d.Label, media, d.Capabilities.Blank, d.Capabilities.Rewritable)
	}
	return tw.Flush()
}

// runJob submits a single job to an in-process engine and prints its
// progress until it ends. An interrupt cancels the job.
func runJob(cmd *cobra.Command, deviceID string, params job.Params, confirm job.Confirm) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("frisbee",
		slog.String("cmd", string(params.Kind())),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	e, err := newEngine(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := e.Close(sctx); err != nil {
			slog.ErrorContext(ctx, "closing engine", "error", err)
		}
	}()

	// device removal is noticed while the job runs
	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stopWatch()
	wg.Go(func() {
		if err := e.registry.Run(watchCtx, config.Devices.Refresh, e.watchers...); err != nil {
			slog.WarnContext(ctx, "device refresh", "error", err)
		}
	})

	id, err := e.sched.Submit(ctx, deviceID, params, confirm)
	if err != nil {
		var pe *job.PreconditionError
		if errors.As(err, &pe) && pe.Soft() {
			return fmt.Errorf("%w (%s)", err, confirmHint(pe.Kind))
		}
		return err
	}
	sub, err := e.sched.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()

	res, err := follow(ctx, cmd.OutOrStdout(), sub, func() {
		if err := e.sched.Cancel(id); err != nil {
			slog.DebugContext(ctx, "cancelling job", "error", err)
		}
	})
	if err != nil {
		return err
	}
	switch res.State {
	case job.Cancelled:
		return errJobCancelled
	case job.Failed:
		return res.Err()
	}
	return nil
}

func confirmHint(kind job.ErrorKind) string {
	switch kind {
	case job.ErrAlreadyBlank:
		return "use --yes or --full to erase anyway"
	case job.ErrNotBlank:
		return "use --destroy to overwrite it"
	default:
		return "confirm to continue"
	}
}

// follow prints updates until the job is terminal. cancel is called once
// when ctx is done; the job still reports its end.
func follow(ctx context.Context, w io.Writer, sub *job.Subscription, cancel func()) (job.Result, error) {
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var last string
	for u, err := range sub.All(context.WithoutCancel(ctx)) {
		if err != nil {
			return job.Result{}, err
		}
		line := formatSnapshot(u.Snapshot)
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}
		if u.Terminal() {
			return *u.Result, nil
		}
	}
	return job.Result{}, errors.New("progress stream ended without result")
}

func formatSnapshot(s job.Snapshot) string {
	var ret string
	switch {
	case s.Total > 0:
		ret = fmt.Sprintf("%-11s %3d%%", s.Stage, s.Current*100/s.Total)
	case s.Current > 0:
		ret = fmt.Sprintf("%-11s %d", s.Stage, s.Current)
	default:
		ret = fmt.Sprintf("%-11s", s.Stage)
	}
	if s.Message != "" {
		ret += "  " + s.Message
	}
	return ret
}
