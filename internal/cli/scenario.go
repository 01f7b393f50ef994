package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/harness"
)

// ScenarioRun is the outcome of one scenario.
type ScenarioRun struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  string   `json:"trace,omitempty"`
}

// ScenarioResult is printed by scenario.
type ScenarioResult struct {
	Scenarios []ScenarioRun `json:"scenarios"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
}

func (r ScenarioResult) String() string {
	var b strings.Builder
	for _, s := range r.Scenarios {
		status := "PASS"
		if !s.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s\n", status, s.Name)
		if s.Trace != "" {
			b.WriteString(s.Trace)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "%d passed, %d failed", r.Passed, r.Failed)
	return b.String()
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	var trace bool

	cmd := &cobra.Command{
		Use:   "scenario <file.yaml|dir>",
		Short: "Run scenario files against an in-memory store",
		Long: `Run scenario files against a fresh in-memory store each.

A directory runs every *.yaml file in it, in name order. Scenarios never
touch the configured database.

Examples:
  lexicon scenario internal/harness/testdata
  lexicon scenario cleanup.yaml --trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			scenarios, err := loadScenarios(args[0])
			if err != nil {
				_ = f.Error(ErrCodeUsage, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid scenario", err)
			}

			var res ScenarioResult
			for _, sc := range scenarios {
				f.VerboseLog("running scenario %s", sc.Name)
				r, err := harness.Run(commandContext(cmd), sc)
				if err != nil {
					return f.Fail(fmt.Sprintf("scenario %s", sc.Name), err)
				}
				run := ScenarioRun{Name: sc.Name, Pass: r.Pass, Errors: r.Errors}
				if trace || !r.Pass {
					run.Trace = string(r.Render(sc.Name))
				}
				if r.Pass {
					res.Passed++
				} else {
					res.Failed++
				}
				res.Scenarios = append(res.Scenarios, run)
			}

			if err := f.Success(res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d scenarios failed", res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "print the trace of passing scenarios too")
	return cmd
}

func loadScenarios(path string) ([]*harness.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		sc, err := harness.LoadScenario(path)
		if err != nil {
			return nil, err
		}
		return []*harness.Scenario{sc}, nil
	}
	scenarios, err := harness.LoadScenarios(path)
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", path)
	}
	return scenarios, nil
}
