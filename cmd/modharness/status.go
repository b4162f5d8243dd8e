package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/keychain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the modules of a running runtime",
	Long:  "Connect to the management endpoint in the config (or --address) and list installed modules and the start level.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("address", "", "Management endpoint URL, overriding the config")
	statusCmd.Flags().String("filter", "", "Only list modules with this symbolic name")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Connect timeout")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	address, _ := cmd.Flags().GetString("address")
	if address == "" {
		address = cfg.Address
	}
	filter, _ := cmd.Flags().GetString("filter")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOut, _ := cmd.Flags().GetBool("json")

	user, pass, err := cfg.Credentials.Resolve(keychain.NewSystemStore())
	if err != nil {
		return err
	}
	opts := []endpoint.RemoteOption{endpoint.WithRequestRate(cfg.RequestRate)}
	if user != "" || pass != "" {
		opts = append(opts, endpoint.WithCredentials(user, pass))
	}
	ep, err := endpoint.NewRemote(address, opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := ep.Connect(ctx, timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	infos, err := conn.Modules(ctx, filter)
	if err != nil {
		return err
	}
	level, err := conn.StartLevel(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]any{"address": address, "start_level": level, "modules": infos})
	}
	fmt.Printf("%s  start level %d\n", headerStyle.Render(address), level)
	if len(infos) == 0 {
		fmt.Println("No modules")
		return nil
	}
	fmt.Println(moduleTable(infos, nil))
	return nil
}
