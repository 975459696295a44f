package cli

import (
	"context"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/pkg/graphfile"
)

func (a *App) newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate and version task-graph plans",
	}
	cmd.AddCommand(
		a.newPlanValidateCommand(),
		a.newPlanSaveCommand(),
		a.newPlanListCommand(),
		a.newPlanShowCommand(),
		a.newPlanDiffCommand(),
		a.newPlanRollbackCommand(),
	)
	return cmd
}

func (a *App) newPlanValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Check a graph file for cycles, duplicate ids and dangling edges",
		Args:  exactArgs(1, "plan validate <graph-file>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := graphfile.Load(args[0])
			if err != nil {
				return err
			}
			a.out.Emit("plan:valid", map[string]any{
				"file":    args[0],
				"session": doc.Session.Name,
				"tasks":   len(doc.Tasks),
			}, "%s: valid (%d tasks)", args[0], len(doc.Tasks))
			return nil
		},
	}
}

func (a *App) newPlanSaveCommand() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "save <name> <graph-file>",
		Short: "Store a graph file as a new plan version",
		Long: `Save validates the graph file and records its content under the plan
named <name>. The first save creates the plan; later saves append a new
version, so show and diff can compare revisions.`,
		Args: exactArgs(2, "plan save <name> <graph-file>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			if _, err := graphfile.Load(path); err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrap(err, "read graph file")
			}

			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			existing, err := findPlanByName(cmd.Context(), st, name)
			if err != nil {
				return err
			}
			if existing == nil {
				plan, err := st.CreatePlan(cmd.Context(), name, string(content))
				if err != nil {
					return err
				}
				a.out.Emit("plan:created", plan, "created plan %s (%s) at version 1", name, plan.ID)
				return nil
			}
			if note == "" {
				note = "saved from " + path
			}
			ver, err := st.AddPlanVersion(cmd.Context(), existing.ID, string(content), note)
			if err != nil {
				return err
			}
			a.out.Emit("plan:version:added", ver, "plan %s now at version %d", name, ver.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "annotation stored with the new version")
	return cmd
}

func (a *App) newPlanListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored plans, newest first",
		Args:  exactArgs(0, "plan list"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			plans, err := st.ListPlans(cmd.Context())
			if err != nil {
				return err
			}
			if a.out.JSON() {
				a.out.Emit("plans:list", plans, "")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()
			writeRow(tw, "ID", "NAME", "VERSION", "UPDATED")
			for _, p := range plans {
				writeRow(tw, p.ID, p.Name, strconv.Itoa(p.LatestVersion),
					p.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *App) newPlanShowCommand() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Print a plan version's content",
		Args:  exactArgs(1, "plan show <plan-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			ver, err := st.GetPlanVersion(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if a.out.JSON() {
				a.out.Emit("plan:version", ver, "")
				return nil
			}
			a.out.Printf("%s", ver.Content)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to show (0 means latest)")
	return cmd
}

func (a *App) newPlanDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <plan-id> <version-a> <version-b>",
		Short: "Show a unified diff between two versions of a plan",
		Args:  exactArgs(3, "plan diff <plan-id> <version-a> <version-b>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			verA, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			verB, err := parseVersion(args[2])
			if err != nil {
				return err
			}

			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			from, err := st.GetPlanVersion(cmd.Context(), args[0], verA)
			if err != nil {
				return err
			}
			to, err := st.GetPlanVersion(cmd.Context(), args[0], verB)
			if err != nil {
				return err
			}

			text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(from.Content),
				B:        difflib.SplitLines(to.Content),
				FromFile: "version " + strconv.Itoa(from.Version),
				ToFile:   "version " + strconv.Itoa(to.Version),
				Context:  3,
			})
			if err != nil {
				return errors.Wrap(err, "compute diff")
			}
			if a.out.JSON() {
				a.out.Emit("plan:diff", map[string]any{
					"plan_id":      args[0],
					"from_version": from.Version,
					"to_version":   to.Version,
					"diff":         text,
				}, "")
				return nil
			}
			if text == "" {
				a.out.Printf("versions %d and %d are identical\n", from.Version, to.Version)
				return nil
			}
			a.out.Printf("%s", text)
			return nil
		},
	}
}

func (a *App) newPlanRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <plan-id> <version>",
		Short: "Re-record an older version as the plan's latest",
		Args:  exactArgs(2, "plan rollback <plan-id> <version>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), a.cfg.Database.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			ver, err := st.RollbackPlan(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			a.out.Emit("plan:rolledback", ver,
				"plan %s rolled back to version %d content (now version %d)",
				args[0], version, ver.Version)
			return nil
		},
	}
}

func findPlanByName(ctx context.Context, st *store.Store, name string) (*store.Plan, error) {
	plans, err := st.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

func parseVersion(raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.Validationf("invalid version %q: want a positive integer", raw)
	}
	return v, nil
}
