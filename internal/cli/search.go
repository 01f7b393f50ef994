package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/model"
	"github.com/roach88/lexicon/internal/platform"
)

// SearchResult is printed by search.
type SearchResult struct {
	Query  string          `json:"query"`
	Chunks []model.ChunkID `json:"chunks"`
}

func (r SearchResult) String() string {
	if len(r.Chunks) == 0 {
		return "no matches"
	}
	lines := make([]string, len(r.Chunks))
	for i, id := range r.Chunks {
		lines[i] = string(id)
	}
	return strings.Join(lines, "\n")
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over chunk content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			return withPlatform(rootOpts, cmd, func(p *platform.Platform, f *OutputFormatter) error {
				ids, err := p.Chunks.Search(commandContext(cmd), q, limit)
				if err != nil {
					return f.Fail(fmt.Sprintf("search %q failed", q), err)
				}
				if ids == nil {
					ids = []model.ChunkID{}
				}
				return f.Success(SearchResult{Query: q, Chunks: ids})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}
