package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/kvexa/panelbot/panelbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var hashpassCmd = &cobra.Command{
	Use:   "hashpass",
	Short: "Hash an admin API token for use as api.token_hash",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				fmt.Fprint(cmd.OutOrStdout(), "Token: ")
				defer fmt.Fprintln(cmd.OutOrStdout())
				return term.ReadPassword(int(syscall.Stdin))
			}
		}
		token, err := readPassword()
		if err != nil {
			log.Fatalf("error reading token: %v", err)
		}
		if len(token) == 0 {
			log.Fatal("empty token")
		}
		hashed, err := panelbot.HashPassword(string(token))
		if err != nil {
			log.Fatalf("error hashing token: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hashed)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashpassCmd)
}
