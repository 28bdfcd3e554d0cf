package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/auth"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Hash a password for the status server",
	Long: `Prompts for a password twice and prints its argon2id hash as a
server.password_hash line for .fieldtrack/config.yaml.

Once set, the status server's data and control endpoints require a token
from POST /auth, and "fieldtrack status" asks for the password.`,
	Args: cobra.NoArgs,
	RunE: runPassword,
}

func init() {
	rootCmd.AddCommand(passwordCmd)
}

func runPassword(cmd *cobra.Command, args []string) error {
	return hashPrompted(auth.NewPrompter(os.Stdin, os.Stderr), os.Stdout)
}

func hashPrompted(p *auth.Prompter, w io.Writer) error {
	password, err := p.PromptAndConfirm()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "server:\n  password_hash: %q\n", hash)
	return nil
}
