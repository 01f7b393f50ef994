package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/history"
	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s id %q", what, s), err)
	}
	return id, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// InitResult is printed by init.
type InitResult struct {
	Database string `json:"database"`
}

func (r InitResult) String() string {
	return "initialized " + r.Database
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and cache directories",
		Long: `Create the SQLite database (applying the schema and migrations) and
the cache, index and XML directories named in the config.

Example:
  lexicon init --db ./lexicon.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				return f.Success(InitResult{Database: p.Config.Database})
			})
		},
	}
}

// RecordResult is printed by write.
type RecordResult struct {
	Record model.ChangeRecord `json:"record"`
}

func (r RecordResult) String() string {
	rec := r.Record
	return fmt.Sprintf("record %d entry %d key %s type %s chunk %s published=%t",
		rec.ID, rec.EntryID, rec.Key, rec.Type, rec.Chunk, rec.Published)
}

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	Author  string
	Type    string
	Subtype string
	Note    string
	EntryID int64
	Publish bool
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <key> <file>",
		Short: "Append a change record to an entry",
		Long: `Store the XML in file ("-" for stdin) as a new change record.

Without --entry the live entry with the given key is updated, or created
when no such entry exists. Passing --entry renames the entry to key.

Examples:
  lexicon write abcd ./abcd.xml --author alice
  lexicon write abcd ./abcd.xml --author bot --subtype AUTOMATIC --publish`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", "", "author of the change (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "change type (CREATE|UPDATE|REVERT|VERSION_UPGRADE)")
	cmd.Flags().StringVar(&opts.Subtype, "subtype", string(model.SubtypeManual), "change subtype (MANUAL|AUTOMATIC|RECOVERY)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "free-form note")
	cmd.Flags().Int64Var(&opts.EntryID, "entry", 0, "entry id to update")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "publish the record if its content is valid")
	_ = cmd.MarkFlagRequired("author")

	return cmd
}

func readContent(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func runWrite(opts *WriteOptions, key, file string, cmd *cobra.Command) error {
	content, err := readContent(cmd, file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read content", err)
	}

	return withPlatform(opts.RootOptions, cmd, func(p *platform.Platform, f *OutputFormatter) error {
		ctx := commandContext(cmd)
		req := history.UpdateRequest{
			EntryID: opts.EntryID,
			Key:     key,
			Author:  opts.Author,
			Content: content,
			Type:    model.ChangeType(strings.ToUpper(opts.Type)),
			Subtype: model.ChangeSubtype(strings.ToUpper(opts.Subtype)),
			Note:    opts.Note,
			Publish: opts.Publish,
		}
		if req.EntryID == 0 {
			e, err := p.History.EntryByKey(ctx, key)
			switch {
			case err == nil:
				req.EntryID = e.ID
			case !errors.Is(err, model.ErrNotFound):
				return f.Fail("lookup failed", err)
			}
		}
		if req.Type == "" {
			req.Type = model.ChangeUpdate
			if req.EntryID == 0 {
				req.Type = model.ChangeCreate
			}
		}

		rec, err := p.History.Update(ctx, req)
		if err != nil {
			return f.Fail("write failed", err)
		}
		f.VerboseLog("stored chunk %s", rec.Chunk)
		return f.Success(RecordResult{Record: rec})
	})
}

// FlagResult is printed by publish, unpublish, delete and undelete.
type FlagResult struct {
	Action  string `json:"action"`
	ID      int64  `json:"id"`
	Changed bool   `json:"changed"`
}

func (r FlagResult) String() string {
	if !r.Changed {
		return fmt.Sprintf("%s %d: no change", r.Action, r.ID)
	}
	return fmt.Sprintf("%s %d: ok", r.Action, r.ID)
}

type flagFunc func(ctx context.Context, p *platform.Platform, id int64, author string) (bool, error)

func newFlagCommand(rootOpts *RootOptions, use, short, what string, fn flagFunc) *cobra.Command {
	var author string
	action := strings.Fields(use)[0]

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], what)
			if err != nil {
				return err
			}
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				changed, err := fn(commandContext(cmd), p, id, author)
				if err != nil {
					return f.Fail(action+" failed", err)
				}
				return f.Success(FlagResult{Action: action, ID: id, Changed: changed})
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "user performing the change (required)")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	return newFlagCommand(rootOpts, "publish <record-id>", "Publish a change record", "record",
		func(ctx context.Context, p *platform.Platform, id int64, author string) (bool, error) {
			return p.History.Publish(ctx, id, author)
		})
}

// NewUnpublishCommand creates the unpublish command.
func NewUnpublishCommand(rootOpts *RootOptions) *cobra.Command {
	return newFlagCommand(rootOpts, "unpublish <record-id>", "Unpublish a change record", "record",
		func(ctx context.Context, p *platform.Platform, id int64, author string) (bool, error) {
			return p.History.Unpublish(ctx, id, author)
		})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return newFlagCommand(rootOpts, "delete <entry-id>", "Mark an entry deleted", "entry",
		func(ctx context.Context, p *platform.Platform, id int64, author string) (bool, error) {
			return p.History.MarkDeleted(ctx, id, author)
		})
}

// NewUndeleteCommand creates the undelete command.
func NewUndeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return newFlagCommand(rootOpts, "undelete <entry-id>", "Restore a deleted entry", "entry",
		func(ctx context.Context, p *platform.Platform, id int64, author string) (bool, error) {
			return p.History.Undelete(ctx, id, author)
		})
}

// HistoryResult is printed by history.
type HistoryResult struct {
	Entry   model.Entry          `json:"entry"`
	Records []model.ChangeRecord `json:"records"`
}

func (r HistoryResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "entry %d %s latest=%d latest_published=%d\n",
		r.Entry.ID, r.Entry.Key, r.Entry.Latest, r.Entry.LatestPublished)
	for _, rec := range r.Records {
		flags := ""
		if rec.Published {
			flags += " published"
		}
		if rec.Hidden {
			flags += " hidden"
		}
		fmt.Fprintf(&b, "  %d %s %s/%s %s %s%s\n",
			rec.ID, rec.Timestamp.Format("2006-01-02T15:04:05Z"), rec.Type, rec.Subtype, rec.Author, rec.Chunk, flags)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "history <key>",
		Short: "List the change records of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				ctx := commandContext(cmd)
				e, err := p.History.EntryByKey(ctx, args[0])
				if err != nil {
					return f.Fail("lookup failed", err)
				}
				recs, err := p.History.Records(ctx, e.ID, all)
				if err != nil {
					return f.Fail("history failed", err)
				}
				return f.Success(HistoryResult{Entry: e, Records: recs})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include hidden records")
	return cmd
}
