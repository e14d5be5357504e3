package watch

import (
	"context"
	"fmt"
	"io"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/endorses/oapxray/internal/pkg/signals"
	"github.com/spf13/cobra"
)

// WatchCmd follows the live capture feed of a running server.
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow captured exchanges as they happen",
	Long: `Follow the live feed of a running "oapx serve".

Every proxied exchange and every replay is printed as it is recorded.
Stop with Ctrl+C.

Examples:
  oapx watch
  oapx watch --json | jq .entry.decrypted_request_body`,
	Args: cobra.NoArgs,
	Run:  runWatch,
}

var jsonOutput bool

func runWatch(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	client := cmdutil.AdminClient()
	logger.Info("Watching live feed", "admin", client.Base)

	w := cmd.OutOrStdout()
	err := client.Stream(ctx, func(ev feed.Event) {
		if jsonOutput {
			_ = output.WriteJSON(w, ev)
			return
		}
		printEvent(w, ev)
	})
	if err != nil {
		cmdutil.OutputError(err, cmdutil.ExitConnectionError)
	}
}

func printEvent(w io.Writer, ev feed.Event) {
	e := ev.Entry
	status := "---"
	if e.Status != 0 {
		status = fmt.Sprintf("%d", e.Status)
	}
	fmt.Fprintf(w, "%s #%-5d %-7s %s %s %s", e.Timestamp.Local().Format("15:04:05"), e.ID, ev.Kind, status, e.Method, e.URL)
	if e.RequestKind != "" {
		fmt.Fprintf(w, " [%s]", e.RequestKind)
	}
	fmt.Fprintln(w)
	if e.DecryptedRequestBody != "" && e.DecryptedRequestBody != e.RequestBody {
		fmt.Fprintf(w, "    > %s\n", output.Truncate(e.DecryptedRequestBody, 160))
	}
	if e.DecryptedResponseBody != "" && e.DecryptedResponseBody != e.ResponseBody {
		fmt.Fprintf(w, "    < %s\n", output.Truncate(e.DecryptedResponseBody, 160))
	}
	if e.Notes != "" {
		fmt.Fprintf(w, "    # %s\n", e.Notes)
	}
}

func init() {
	WatchCmd.Flags().BoolVar(&jsonOutput, "json", false, "print one JSON event per line")
}
