package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/marmos91/sharebox/internal/cli/output"
	"github.com/marmos91/sharebox/pkg/client"
	"github.com/spf13/cobra"
)

var (
	clientAddr string
	clientUser string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run one request against a sharebox server",
	Long: `Connect to a sharebox server as --user, run one request and disconnect.

Examples:
  sharebox client --user alice upload ./report.pdf docs/report.pdf
  sharebox client --user alice ls
  sharebox client --user alice share docs/report.pdf bob
  sharebox client --user bob get-shared alice docs/report.pdf ./report.pdf`,
}

func init() {
	clientCmd.PersistentFlags().StringVar(&clientAddr, "addr", "127.0.0.1:8888", "Server address (host:port)")
	clientCmd.PersistentFlags().StringVarP(&clientUser, "user", "u", "", "Username to log in as")
	_ = clientCmd.MarkPersistentFlagRequired("user")

	clientCmd.AddCommand(
		&cobra.Command{
			Use:   "upload <local-file> [name]",
			Short: "Upload a file, replacing any previous version",
			Args:  cobra.RangeArgs(1, 2),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				name := filepath.Base(args[0])
				if len(args) == 2 {
					name = args[1]
				}
				return c.Upload(cmd.Context(), args[0], name)
			}),
		},
		&cobra.Command{
			Use:   "download <name> [local-file]",
			Short: "Download one of your files",
			Args:  cobra.RangeArgs(1, 2),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return downloadTo(localTarget(args[0], args[1:]), func(f *os.File) (int64, error) {
					return c.Download(cmd.Context(), args[0], f)
				})
			}),
		},
		&cobra.Command{
			Use:   "get-shared <owner> <name> [local-file]",
			Short: "Download a file another user shared with you",
			Args:  cobra.RangeArgs(2, 3),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return downloadTo(localTarget(args[1], args[2:]), func(f *os.File) (int64, error) {
					return c.DownloadShared(cmd.Context(), args[0], args[1], f)
				})
			}),
		},
		&cobra.Command{
			Use:   "ls",
			Short: "List your files",
			Args:  cobra.NoArgs,
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				entries, err := c.Browse(cmd.Context())
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No file found")
					return nil
				}
				output.PrintTable(cmd.OutOrStdout(), entryTable(entries))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Delete a file and every grant on it",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return c.Delete(cmd.Context(), args[0])
			}),
		},
		&cobra.Command{
			Use:   "mv <old-name> <new-name>",
			Short: "Rename a file",
			Args:  cobra.ExactArgs(2),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return c.Rename(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "share <name> <user>",
			Short: "Let another user download a file",
			Args:  cobra.ExactArgs(2),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return c.Share(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "revoke <name>",
			Short: "Remove every grant on a file",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				return c.Revoke(cmd.Context(), args[0])
			}),
		},
	)
}

// withClient dials the server for the duration of one subcommand.
func withClient(fn func(cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := client.Dial(cmd.Context(), clientAddr, clientUser)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := fn(cmd, c, args); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func localTarget(name string, explicit []string) string {
	if len(explicit) > 0 {
		return explicit[0]
	}
	return filepath.Base(name)
}

// downloadTo writes a download to path, removing the file if it fails.
func downloadTo(path string, fetch func(f *os.File) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	n, err := fetch(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("%w (or not shared with you)", err)
		}
		return err
	}

	fmt.Printf("%s: %d bytes\n", path, n)
	return nil
}

// entryTable renders a BRW listing.
type entryTable []client.FileEntry

func (t entryTable) Headers() []string {
	return []string{"Path", "Size", "Modified"}
}

func (t entryTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{
			e.Path,
			strconv.FormatInt(e.Size, 10),
			e.ModTime.Local().Format(time.DateTime),
		})
	}
	return rows
}
