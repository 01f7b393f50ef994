package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/cleaning"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
)

// CleanResult is printed by clean.
type CleanResult struct {
	cleaning.Report
}

func (r CleanResult) String() string {
	verb := "hid"
	if r.DryRun {
		verb = "would hide"
	}
	ids := make([]string, len(r.ToClean))
	for i, id := range r.ToClean {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s: examined %d, %s %d [%s], kept %d",
		r.Cleaner, r.Examined, verb, len(r.ToClean), strings.Join(ids, " "), r.Kept)
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	var opts cleaning.Options

	cmd := &cobra.Command{
		Use:       "clean <collapse|old_versions>",
		Short:     "Hide obsolete change records",
		ValidArgs: []string{cleaning.CollapserName, cleaning.OldVersionsName},
		Long: `Run one cleaner over every visible record.

collapse      hides duplicate records of the same content, keeping the
              newest published one (or the newest)
old_versions  hides old automatic and recovery records

Examples:
  lexicon clean collapse --dry-run
  lexicon clean old_versions --key 'a*'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ReplaceAll(args[0], "-", "_")
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				c, ok := p.Cleaner(name)
				if !ok {
					_ = f.Error(ErrCodeUsage, fmt.Sprintf("unknown cleaner %q", args[0]), nil)
					return NewExitError(ExitCommandError, "unknown cleaner")
				}
				report, err := c.Run(commandContext(cmd), opts)
				if err != nil {
					return f.Fail("clean failed", err)
				}
				return f.Success(CleanResult{Report: report})
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without hiding")
	cmd.Flags().StringVar(&opts.KeyGlob, "key", "", "only entries whose key matches this glob")
	return cmd
}

// GCResult is printed by gc.
type GCResult struct {
	Collected []model.ChunkID `json:"collected"`
}

func (r GCResult) String() string {
	return fmt.Sprintf("collected %d chunks", len(r.Collected))
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete chunks no change record references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				ids, err := p.Chunks.Collect(commandContext(cmd))
				if err != nil {
					return f.Fail("gc failed", err)
				}
				if ids == nil {
					ids = []model.ChunkID{}
				}
				return f.Success(GCResult{Collected: ids})
			})
		},
	}
}

// ReindexResult is printed by reindex.
type ReindexResult struct {
	Chunks int `json:"chunks"`
}

func (r ReindexResult) String() string {
	return fmt.Sprintf("reindexed %d chunks", r.Chunks)
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every chunk to the XML store and search index again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				n, err := p.Chunks.Reindex(commandContext(cmd))
				if err != nil {
					return f.Fail("reindex failed", err)
				}
				return f.Success(ReindexResult{Chunks: n})
			})
		},
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run periodic maintenance until interrupted",
		Long: `Run the cleaners followed by chunk collection every cleaning.interval,
and sweep expired locks on the same schedule, until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				return runMaintenance(commandContext(cmd), p, f)
			})
		},
	}
}

func runMaintenance(parent context.Context, p *platform.Platform, f *OutputFormatter) error {
	interval := p.Config.Cleaning.Interval.D()
	if interval <= 0 {
		_ = f.Error(ErrCodeConfig, "cleaning.interval is 0; nothing to run", nil)
		return NewExitError(ExitCommandError, "maintenance disabled")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.Logger.Info("maintenance started", "interval", interval)
	p.StartMaintenance(ctx)
	go p.Queue.Every(ctx, interval, "lock-sweep", func(ctx context.Context) error {
		_, err := p.Locks.Sweep(ctx)
		return err
	})

	<-ctx.Done()
	p.Logger.Info("maintenance stopped")
	return nil
}
