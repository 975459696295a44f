package cli

import (
	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/cost"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

func (a *App) newCostCommand() *cobra.Command {
	var (
		sessionID       string
		byTask          bool
		byAgent         bool
		byBilling       bool
		includePlanning bool
	)
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Report recorded agent spend",
		Long: `Cost aggregates the recorded usage entries, grouped by task, agent or
billing mode. The report honours --output-format: table for terminals,
json or csv for machines.`,
		Args: exactArgs(0, "cost [--session <id>] [--by-task|--by-agent|--by-billing]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupBy, err := pickGroupBy(byTask, byAgent, byBilling)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			return cost.NewReporter(st).Report(cmd.Context(), a.stdout, cost.ReportOptions{
				SessionID:       sessionID,
				GroupBy:         groupBy,
				IncludePlanning: includePlanning,
				Format:          a.costFormat(),
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict the report to one session")
	cmd.Flags().BoolVar(&byTask, "by-task", false, "group costs by task (default)")
	cmd.Flags().BoolVar(&byAgent, "by-agent", false, "group costs by agent")
	cmd.Flags().BoolVar(&byBilling, "by-billing", false, "group costs by billing mode")
	cmd.Flags().BoolVar(&includePlanning, "include-planning", false, "include planning-category usage")
	return cmd
}

func pickGroupBy(byTask, byAgent, byBilling bool) (string, error) {
	var picked []string
	if byTask {
		picked = append(picked, cost.GroupByTask)
	}
	if byAgent {
		picked = append(picked, cost.GroupByAgent)
	}
	if byBilling {
		picked = append(picked, cost.GroupByBilling)
	}
	switch len(picked) {
	case 0:
		return cost.GroupByTask, nil
	case 1:
		return picked[0], nil
	default:
		return "", errors.Validation("pick at most one of --by-task, --by-agent, --by-billing")
	}
}
