package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
)

// LockResult is printed by lock acquire and release.
type LockResult struct {
	EntryID  int64       `json:"entry_id"`
	Acquired bool        `json:"acquired"`
	Lock     *model.Lock `json:"lock,omitempty"`
	Holder   *model.Lock `json:"holder,omitempty"`
}

func (r LockResult) String() string {
	switch {
	case r.Lock != nil:
		return fmt.Sprintf("entry %d locked by %s at %s", r.EntryID, r.Lock.Holder, r.Lock.AcquiredAt.Format(time.RFC3339))
	case r.Holder != nil:
		return fmt.Sprintf("entry %d is locked by %s since %s", r.EntryID, r.Holder.Holder, r.Holder.AcquiredAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("entry %d unlocked", r.EntryID)
	}
}

// SweepResult is printed by lock sweep.
type SweepResult struct {
	Removed int64 `json:"removed"`
}

func (r SweepResult) String() string {
	return fmt.Sprintf("removed %d expired locks", r.Removed)
}

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release and sweep entry locks",
	}
	cmd.AddCommand(newLockAcquireCommand(rootOpts))
	cmd.AddCommand(newLockReleaseCommand(rootOpts))
	cmd.AddCommand(newLockSweepCommand(rootOpts))
	return cmd
}

func newLockAcquireCommand(rootOpts *RootOptions) *cobra.Command {
	var who string
	cmd := &cobra.Command{
		Use:   "acquire <entry-id>",
		Short: "Acquire or refresh the lock of an entry",
		Long: `Acquire the lock of an entry, refresh it when already held, or take it
over when the current holder's lock has expired. Exits 1 when another
user holds an unexpired lock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "entry")
			if err != nil {
				return err
			}
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				ctx := commandContext(cmd)
				lock, err := p.Locks.TryAcquire(ctx, id, who)
				if err != nil {
					return f.Fail("lock failed", err)
				}
				if lock != nil {
					return f.Success(LockResult{EntryID: id, Acquired: true, Lock: lock})
				}
				holder, err := p.Locks.Holder(ctx, id)
				if err != nil {
					return f.Fail("lock failed", err)
				}
				_ = f.Error(ErrCodeLockHeld, LockResult{EntryID: id, Holder: holder}.String(), holder)
				return NewExitError(ExitFailure, "lock held by another user")
			})
		},
	}
	cmd.Flags().StringVar(&who, "who", "", "lock holder (required)")
	_ = cmd.MarkFlagRequired("who")
	return cmd
}

func newLockReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	var who string
	cmd := &cobra.Command{
		Use:   "release <entry-id>",
		Short: "Release a lock held by --who",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "entry")
			if err != nil {
				return err
			}
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				if err := p.Locks.Release(commandContext(cmd), id, who); err != nil {
					return f.Fail("release failed", err)
				}
				return f.Success(LockResult{EntryID: id})
			})
		},
	}
	cmd.Flags().StringVar(&who, "who", "", "lock holder (required)")
	_ = cmd.MarkFlagRequired("who")
	return cmd
}

func newLockSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				n, err := p.Locks.Sweep(commandContext(cmd))
				if err != nil {
					return f.Fail("sweep failed", err)
				}
				return f.Success(SweepResult{Removed: n})
			})
		},
	}
}
