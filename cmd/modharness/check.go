package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/config"
)

type checkResult struct {
	Path  string `json:"path"`
	Mode  string `json:"mode,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file-or-dir]",
	Short: "Validate harness config files",
	Long:  "Parse and validate harness YAML configs. Checks a specific file, every YAML file in a directory, or the file named by --config.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := configPath
	if len(args) > 0 {
		target = args[0]
	}
	files, err := configFiles(target)
	if err != nil {
		return err
	}

	results := checkFiles(files)
	if jsonOut {
		return printJSON(results)
	}

	var failed int
	for _, r := range results {
		if r.Valid {
			fmt.Printf("%s  %s (%s)\n", okStyle.Render("OK  "), r.Path, r.Mode)
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "%s  %s\n      %v\n", failStyle.Render("FAIL"), r.Path, r.Error)
		}
	}
	if len(results) > 1 {
		fmt.Printf("\n%d/%d configs valid\n", len(results)-failed, len(results))
	}
	if failed > 0 {
		return fmt.Errorf("%d config(s) failed validation", failed)
	}
	return nil
}

func configFiles(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", target, err)
	}
	if !info.IsDir() {
		return []string{target}, nil
	}
	yamlFiles, _ := filepath.Glob(filepath.Join(target, "*.yaml"))
	ymlFiles, _ := filepath.Glob(filepath.Join(target, "*.yml"))
	files := append(yamlFiles, ymlFiles...)
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in %s", target)
	}
	return files, nil
}

// checkFiles validates each file. Validation resolves relative paths such as
// home and bootstrap.path against the working directory, like a real run.
func checkFiles(files []string) []checkResult {
	results := make([]checkResult, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			results = append(results, checkResult{Path: path, Error: err.Error()})
			continue
		}
		cfg, err := config.Parse(data)
		if err != nil {
			results = append(results, checkResult{Path: path, Error: err.Error()})
			continue
		}
		results = append(results, checkResult{Path: path, Mode: string(cfg.Mode), Valid: true})
	}
	return results
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
