package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
	"github.com/roach88/lexicon/internal/render"
)

// RenderResult is printed by render.
type RenderResult struct {
	Record  int64          `json:"record"`
	Status  string         `json:"status"`
	Display render.Display `json:"display"`
}

func (r RenderResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "record %d (%s, %s)\n", r.Record, r.Display.State, r.Status)
	fmt.Fprintf(&b, "lemma: %s\n", r.Display.Lemma)
	fmt.Fprintf(&b, "text: %s", r.Display.Text)
	for _, l := range r.Display.Links {
		if l.Resolved {
			fmt.Fprintf(&b, "\nlink: %s -> entry %d", l.Key, l.EntryID)
		} else {
			fmt.Fprintf(&b, "\nlink: %s (unresolved)", l.Key)
		}
	}
	for _, id := range r.Display.Bibliography {
		fmt.Fprintf(&b, "\nbibliography: %s", id)
	}
	return b.String()
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render <record-id>",
		Short: "Render the display of a record through the derived cache",
		Long: `Render the display of a record in the view matching its publication
state. A cached display is returned as is; otherwise it is computed and
stored until something it depends on changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "record")
			if err != nil {
				return err
			}
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				d, st, err := p.Display.DisplayRecord(commandContext(cmd), id)
				if err != nil {
					return f.Fail("render failed", err)
				}
				return f.Success(RenderResult{Record: id, Status: st.String(), Display: d})
			})
		},
	}
}

// InvalidationResult is printed by resource-changed.
type InvalidationResult struct {
	Dependees   []string         `json:"dependees"`
	Invalidated []model.CacheKey `json:"invalidated"`
}

func (r InvalidationResult) String() string {
	if len(r.Invalidated) == 0 {
		return "nothing to invalidate"
	}
	keys := make([]string, len(r.Invalidated))
	for i, k := range r.Invalidated {
		keys[i] = string(k)
	}
	return "invalidated " + strings.Join(keys, " ")
}

// NewResourceChangedCommand creates the resource-changed command.
func NewResourceChangedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resource-changed <dependee>...",
		Short: "Invalidate cached artifacts depending on external resources",
		Long: `Report that external resources changed, e.g. a bibliography record.
Every cached artifact that consulted one of them is dropped.

Example:
  lexicon resource-changed bibliography:123 lemma:abcd`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				keys, err := p.Invalid.ResourceChanged(commandContext(cmd), args...)
				if err != nil {
					return f.Fail("invalidation failed", err)
				}
				if keys == nil {
					keys = []model.CacheKey{}
				}
				return f.Success(InvalidationResult{Dependees: args, Invalidated: keys})
			})
		},
	}
}
