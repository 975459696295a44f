package cli

import (
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
)

func (a *App) newAdaptersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "Inspect the coding-agent catalog",
	}
	cmd.AddCommand(a.newAdaptersListCommand(), a.newAdaptersCheckCommand())
	return cmd
}

func (a *App) newAdaptersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the known adapters without probing them",
		Args:  exactArgs(0, "adapters list"),
		RunE: func(cmd *cobra.Command, args []string) error {
			configs := adapter.DefaultConfigs()
			if a.out.JSON() {
				a.out.Emit("adapters:list", configs, "")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()
			writeRow(tw, "ID", "NAME", "BINARY", "BILLING", "PLANNING")
			for _, cfg := range configs {
				writeRow(tw, cfg.ID, cfg.DisplayName, cfg.Binary,
					joinModes(cfg.BillingModes), yesNo(cfg.SupportsPlanning))
			}
			return nil
		},
	}
}

func (a *App) newAdaptersCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe each adapter binary and report what is usable",
		Args:  exactArgs(0, "adapters check"),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := adapter.NewRegistry(a.log)
			report := registry.Discover(cmd.Context(), a.candidates(a.log))

			if a.out.JSON() {
				for _, entry := range report.Entries {
					a.out.Emit("adapter:checked", entry, "")
				}
				a.out.Emit("adapters:check:done", map[string]any{
					"probed":  len(report.Entries),
					"healthy": report.Healthy(),
				}, "")
				return nil
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			writeRow(tw, "ID", "STATUS", "VERSION", "BILLING", "DETAIL")
			for _, entry := range report.Entries {
				status, detail := "unavailable", entry.Health.Error
				if entry.Health.Healthy {
					status, detail = "ok", entry.Health.CLIPath
				}
				writeRow(tw, entry.AdapterID, status, entry.Health.Version,
					joinModes(entry.Health.DetectedBillingModes), detail)
			}
			tw.Flush()
			a.out.Printf("%d of %d adapters available\n", report.Healthy(), len(report.Entries))
			return nil
		},
	}
}

func writeRow(tw *tabwriter.Writer, cols ...string) {
	tw.Write([]byte(strings.Join(cols, "\t") + "\n"))
}

func joinModes(modes []adapter.BillingMode) string {
	if len(modes) == 0 {
		return "-"
	}
	parts := make([]string, len(modes))
	for i, m := range modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
