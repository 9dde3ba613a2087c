package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/sharebox/internal/cli/output"
	"github.com/marmos91/sharebox/pkg/config"
	"github.com/marmos91/sharebox/pkg/sharing"
	"github.com/spf13/cobra"
)

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "Print the sharing registry",
	Long: `Print every user known to the sharing registry with the files shared with them.

Examples:
  # Registry of the configured root
  sharebox shares

  # Registry of another root
  sharebox shares --root ./data`,
	RunE: runShares,
}

var sharesRevokeCmd = &cobra.Command{
	Use:   "revoke <grantee> <owner/path>",
	Short: "Remove one grant from a user",
	Long: `Remove one share token from a user's record in the sharing registry.

Run it while the server is stopped: the running server does not see edits made
by another process under its registry lock.

Examples:
  # bob may no longer download alice's notes.txt
  sharebox shares revoke bob alice/notes.txt`,
	Args: cobra.ExactArgs(2),
	RunE: runSharesRevoke,
}

func init() {
	sharesCmd.PersistentFlags().String("root", "", "Directory holding user files and share.txt (overrides server.root)")
	sharesCmd.AddCommand(sharesRevokeCmd)
}

// recordTable renders sharing records, one row per user.
type recordTable []sharing.Record

func (t recordTable) Headers() []string {
	return []string{"User", "Grants", "Shared files"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		files := "-"
		if len(r.Tokens) > 0 {
			files = strings.Join(r.Tokens, ", ")
		}
		rows = append(rows, []string{r.Username, strconv.Itoa(len(r.Tokens)), files})
	}
	return rows
}

// openShares opens the sharing registry selected by the configuration.
func openShares(cmd *cobra.Command) (sharing.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return config.CreateSharingStore(cmd.Context(), cfg, nil)
}

func runShares(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	shares, err := openShares(cmd)
	if err != nil {
		return err
	}
	defer shares.Close()

	records, err := shares.Records(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sharing registry: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users registered")
		return nil
	}
	output.PrintTable(cmd.OutOrStdout(), recordTable(records))
	return nil
}

func runSharesRevoke(cmd *cobra.Command, args []string) error {
	grantee, token := args[0], args[1]
	owner, rel, ok := sharing.ParseToken(token)
	if !ok {
		return fmt.Errorf("%w: %q (expected owner/path)", sharing.ErrInvalidToken, token)
	}
	token = sharing.Token(owner, rel)

	ctx := cmd.Context()
	shares, err := openShares(cmd)
	if err != nil {
		return err
	}
	defer shares.Close()

	removed, err := shares.Revoke(ctx, grantee, token)
	if err != nil {
		return fmt.Errorf("failed to revoke %s from %s: %w", token, grantee, err)
	}
	if !removed {
		return fmt.Errorf("%s does not hold %s", grantee, token)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %s\n", token, grantee)
	return nil
}
