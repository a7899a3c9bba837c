package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grenade/slarti/pkg/hoststate"
	"github.com/spf13/cobra"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List SSH host aliases and what slarti knows about them",
	Long: `List the concrete Host aliases from your ssh config (following Include),
together with the agent state slarti remembers for each.

Hosts that are remembered but no longer in the ssh config are listed too.`,
	Args: cobra.NoArgs,
	RunE: runHosts,
}

type hostRow struct {
	alias  string
	user   string
	inSSH  bool
	record *hoststate.Record
}

func runHosts(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	tree, err := loadSSHConfig(e.cfg.SSH.ConfigFile)
	if err != nil {
		return err
	}

	records, err := e.store.List()
	if err != nil {
		return fmt.Errorf("failed to read host records: %w", err)
	}

	rows := map[string]*hostRow{}
	for _, alias := range tree.Aliases() {
		rows[alias] = &hostRow{alias: alias, user: tree.EffectiveUser(alias), inSSH: true}
	}
	for _, rec := range records {
		row, ok := rows[rec.Alias]
		if !ok {
			row = &hostRow{alias: rec.Alias}
			rows[rec.Alias] = row
		}
		row.record = rec
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No hosts found. Add Host entries to your ssh config.")
		return nil
	}

	names := make([]string, 0, len(rows))
	for name := range rows {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tUSER\tAGENT\tLAST SEEN\tSTATUS")
	for _, name := range names {
		row := rows[name]
		user := row.user
		if user == "" {
			user = "-"
		}
		agent, seen, status := "-", "never", "unknown"
		if rec := row.record; rec != nil {
			if rec.LastDeployedVersion != "" {
				agent = rec.LastDeployedVersion
			}
			if rec.LastSeenAt != nil {
				seen = humanAge(time.Since(*rec.LastSeenAt))
			}
			status = "ok"
			if !rec.LastSeenOK {
				status = "failed"
			}
		}
		if !row.inSSH {
			status += " (not in ssh config)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, user, agent, seen, colorStatus(status, row.record))
	}
	return w.Flush()
}

func colorStatus(status string, rec *hoststate.Record) string {
	switch {
	case rec == nil:
		return dimColor.Sprint(status)
	case rec.LastSeenOK:
		return okColor.Sprint(status)
	default:
		return failColor.Sprint(status)
	}
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
