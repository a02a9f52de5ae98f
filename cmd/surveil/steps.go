package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/scoresteps"
	"github.com/spf13/cobra"
)

func stepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Inspect and evaluate score-step tables",
	}
	cmd.AddCommand(stepsValidateCmd(), stepsEvaluateCmd())
	return cmd
}

func stepsValidateCmd() *cobra.Command {
	var (
		asJSON bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Report gaps, overlaps and monotonicity breaks of a table (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := loadSteps(args[0])
			if err != nil {
				return err
			}

			warnings := scoresteps.Validate(steps)
			segments := scoresteps.Segments(steps)

			out := cmd.OutOrStdout()
			if asJSON {
				if warnings == nil {
					warnings = []scoresteps.Warning{}
				}
				if err := printJSON(out, map[string]interface{}{
					"warnings": warnings,
					"segments": segments,
				}); err != nil {
					return err
				}
			} else {
				printStepsReport(out, steps, warnings, segments)
			}

			if strict && len(warnings) > 0 {
				return fmt.Errorf("%d warning(s) found", len(warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any warning is found")
	return cmd
}

func stepsEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <file> <value>",
		Short: "Score a value against a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := loadSteps(args[0])
			if err != nil {
				return err
			}
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}

			step, err := scoresteps.Evaluate(steps, value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "score %d (step %s)\n", step.Score, step)
			return nil
		},
	}
	return cmd
}

// loadSteps reads a table given either as a bare list of steps or as an
// object with a "steps" key.
func loadSteps(path string) ([]domain.ScoreStep, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	var steps []domain.ScoreStep
	if err := json.Unmarshal(data, &steps); err == nil {
		return steps, nil
	}

	var wrapped struct {
		Steps []domain.ScoreStep `json:"steps"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode score steps from %s: %w", path, err)
	}
	if wrapped.Steps == nil {
		return nil, fmt.Errorf("%s holds no score steps", path)
	}
	return wrapped.Steps, nil
}

func printStepsReport(w io.Writer, steps []domain.ScoreStep, warnings []scoresteps.Warning, segments []scoresteps.Segment) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "STEP\tRANGE\tSCORE")
	for i, s := range scoresteps.Sorted(steps) {
		max := "+inf"
		if s.MaxValue != nil {
			max = strconv.FormatFloat(*s.MaxValue, 'g', -1, 64)
		}
		fmt.Fprintf(tw, "%d\t[%g, %s)\t%d\n", i, s.MinValue, max, s.Score)
	}
	tw.Flush()

	fmt.Fprintln(w)
	if len(warnings) == 0 {
		fmt.Fprintln(w, "no warnings")
	} else {
		fmt.Fprintf(w, "%d warning(s):\n", len(warnings))
		for _, wn := range warnings {
			fmt.Fprintf(w, "  %-13s (%g, %g)  %s\n", wn.Kind, wn.From, wn.To, wn.Message)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(tw, "SEGMENT\tSTART\tEND\tWIDTH")
	for _, seg := range segments {
		kind := string(seg.Kind)
		if seg.Unbounded {
			kind += " (unbounded)"
		}
		fmt.Fprintf(tw, "%s\t%g\t%g\t%g\n", kind, seg.Start, seg.End, seg.Width)
	}
	tw.Flush()
}
