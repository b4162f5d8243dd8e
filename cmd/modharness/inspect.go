package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/module"
)

type manifestSummary struct {
	Path         string            `json:"path"`
	SymbolicName string            `json:"symbolic_name"`
	Version      string            `json:"version,omitempty"`
	FragmentHost string            `json:"fragment_host,omitempty"`
	Headers      map[string]string `json:"headers"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <artifact>...",
	Short: "Print the manifest of module artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		verbose, _ := cmd.Flags().GetBool("headers")

		var out []manifestSummary
		for _, path := range args {
			s, err := inspectArtifact(path)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		if jsonOut {
			return printJSON(out)
		}

		for i, s := range out {
			if i > 0 {
				fmt.Println()
			}
			fmt.Println(headerStyle.Render(s.Path))
			fmt.Printf("  symbolic name: %s\n", s.SymbolicName)
			fmt.Printf("  version:       %s\n", orDash(s.Version))
			if s.FragmentHost != "" {
				fmt.Printf("  fragment of:   %s (never started)\n", s.FragmentHost)
			}
			if verbose {
				keys := make([]string, 0, len(s.Headers))
				for k := range s.Headers {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					fmt.Printf("  %s: %s\n", dimStyle.Render(k), s.Headers[k])
				}
			}
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().Bool("json", false, "Output as JSON")
	inspectCmd.Flags().Bool("headers", false, "Print every manifest header")
	rootCmd.AddCommand(inspectCmd)
}

func inspectArtifact(path string) (manifestSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifestSummary{}, err
	}
	mf, err := module.ReadManifest(data)
	if err != nil {
		return manifestSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	return manifestSummary{
		Path:         path,
		SymbolicName: mf.SymbolicName(),
		Version:      mf.Version(),
		FragmentHost: mf.Headers[module.HeaderFragmentHost],
		Headers:      mf.Headers,
	}, nil
}
