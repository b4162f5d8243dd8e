package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent entries from the audit log",
	Long:  "Read the audit log named by audit_log in the config (or --file) and print what the harness did, newest last.",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().String("file", "", "Audit log to read, overriding the config")
	auditCmd.Flags().String("name", "", "Only show entries for this deployment name")
	auditCmd.Flags().String("correlation", "", "Only show entries with this correlation id")
	auditCmd.Flags().Bool("failed", false, "Only show failed operations")
	auditCmd.Flags().Duration("since", 0, "Only show entries newer than this (e.g. 1h)")
	auditCmd.Flags().IntP("last", "n", 50, "Show at most this many entries (0 for all)")
	auditCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.AuditLog
	}
	if path == "" {
		return fmt.Errorf("no audit log configured; set audit_log or pass --file")
	}

	var f audit.Filter
	f.Name, _ = cmd.Flags().GetString("name")
	f.CorrelationID, _ = cmd.Flags().GetString("correlation")
	f.FailedOnly, _ = cmd.Flags().GetBool("failed")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		f.Since = time.Now().Add(-since)
	}
	last, _ := cmd.Flags().GetInt("last")

	entries, err := audit.Read(path, f, last)
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println(dimStyle.Render("no matching entries"))
		return nil
	}
	fmt.Println(auditTable(entries))
	return nil
}

func auditTable(entries []audit.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("TIME", "ACTION", "NAME", "MODULE", "RUNTIME", "PID", "RESULT")
	for _, e := range entries {
		result := okStyle.Render("ok")
		if e.Error != "" {
			result = failStyle.Render(e.Error)
		}
		pid := "-"
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		t.Row(
			e.Timestamp.Local().Format(time.DateTime),
			string(e.Action),
			orDash(e.Name),
			orDash(e.Module),
			orDash(e.Runtime),
			pid,
			result,
		)
	}
	return t.String()
}
