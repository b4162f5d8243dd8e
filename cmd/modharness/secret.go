package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/modharness/internal/keychain"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage management endpoint passwords in the keychain",
	Long: `Passwords stored here are referenced from the config as credentials.keychain.
Without a system keychain, MODHARNESS_SECRET_<KEY> environment variables are
read instead (key upper-cased, other characters replaced by '_').`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a password",
	Long:  "Store a password. Without a value it is prompted for on a terminal or read from stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !keychain.Persistent {
			return fmt.Errorf("no system keychain on this platform; export %s instead", keychain.EnvVar(args[0]))
		}
		value, err := secretValue(args)
		if err != nil {
			return err
		}
		if err := keychain.NewSystemStore().Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("Secret %q stored\n", args[0])
		return nil
	},
}

func secretValue(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := keychain.NewSystemStore().Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := keychain.NewSystemStore().List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Remove a stored password",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keychain.NewSystemStore().Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret %q deleted\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretGetCmd, secretListCmd, secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}
