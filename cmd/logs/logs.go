package logs

import (
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/spf13/cobra"
)

// LogsCmd reads and maintains the traffic log database directly.
var LogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect the traffic log",
	Long: `Inspect the SQLite traffic log written by "oapx serve" and "oapx analyze --save".

The database is opened directly; a running server is not required.

Examples:
  oapx logs list --limit 20
  oapx logs show 42
  oapx logs export -o capture.json
  oapx logs import capture.json`,
}

var (
	limit      int
	jsonOutput bool
	outFile    string
	confirm    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent exchanges, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withStore(cmd, func(store *trafficlog.Store) error {
			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if entries == nil {
					entries = []trafficlog.Entry{}
				}
				return output.WriteJSON(cmd.OutOrStdout(), entries)
			}
			renderList(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one exchange",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		withStore(cmd, func(store *trafficlog.Store) error {
			e, err := store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return output.WriteJSON(cmd.OutOrStdout(), e)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export exchanges as a JSON array",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withStore(cmd, func(store *trafficlog.Store) error {
			var w io.Writer = cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := store.Export(cmd.Context(), w, limit)
			if err != nil {
				return err
			}
			if outFile != "" {
				cmd.PrintErrf("Exported %d entries to %s\n", n, outFile)
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import exchanges from an export file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		defer f.Close()
		withStore(cmd, func(store *trafficlog.Store) error {
			n, err := store.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			cmd.Printf("Imported %d entries\n", n)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every exchange",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if !confirm {
			cmdutil.OutputError(errors.New("refusing to clear the traffic log without --yes"), cmdutil.ExitValidationError)
			return
		}
		withStore(cmd, func(store *trafficlog.Store) error {
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Traffic log cleared")
			return nil
		})
	},
}

func withStore(cmd *cobra.Command, fn func(*trafficlog.Store) error) {
	store, err := cmdutil.OpenTrafficLog(cmd.Context())
	if err != nil {
		cmdutil.Fail(err)
		return
	}
	err = fn(store)
	store.Close()
	if err != nil {
		cmdutil.Fail(err)
	}
}

func renderList(w io.Writer, entries []trafficlog.Entry) {
	table := output.NewTable(w, "ID", "TIME", "METHOD", "URL", "STATUS", "KIND", "REPLAY")
	for _, e := range entries {
		status := "-"
		if e.Status != 0 {
			status = strconv.Itoa(e.Status)
		}
		replay := ""
		if e.IsReplay {
			replay = "yes"
		}
		table.Append(
			strconv.FormatInt(e.ID, 10),
			output.HumanTime(e.Timestamp),
			e.Method,
			output.Truncate(e.URL, 48),
			status,
			e.RequestKind,
			replay,
		)
	}
	table.Render()
}

func init() {
	LogsCmd.PersistentFlags().IntVar(&limit, "limit", constants.DefaultLogLimit, "maximum entries (0 for all)")
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	exportCmd.Flags().StringVarP(&outFile, "output", "o", "", "write to file instead of stdout")
	clearCmd.Flags().BoolVar(&confirm, "yes", false, "confirm deletion")

	LogsCmd.AddCommand(listCmd)
	LogsCmd.AddCommand(showCmd)
	LogsCmd.AddCommand(exportCmd)
	LogsCmd.AddCommand(importCmd)
	LogsCmd.AddCommand(clearCmd)
}
