package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/keychain"
)

// harnessHome returns ~/.modharness, the default home of the state journal.
func harnessHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".modharness"), nil
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show the files the harness reads and writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		home, _ := harnessHome()
		orNone := func(s string) string {
			if s == "" {
				return "-"
			}
			return s
		}
		fmt.Printf("config:    %s\n", configPath)
		fmt.Printf("home:      %s\n", orNone(home))
		fmt.Printf("state_dir: %s\n", orNone(cfg.StateDir))
		fmt.Printf("audit_log: %s\n", orNone(cfg.AuditLog))
		fmt.Printf("keychain:  persistent=%t\n", keychain.Persistent)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
}
