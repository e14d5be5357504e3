package replay

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/spf13/cobra"
)

// ReplayCmd forges a message into a captured session through the admin API.
var ReplayCmd = &cobra.Command{
	Use:   "replay <log-id> <plaintext|@file>",
	Short: "Re-send a captured request with a new plaintext",
	Long: `Re-send a captured request with a new plaintext.

The thread of the original request is looked up from its decrypted body,
the plaintext is sealed with the recovered initiator key and sent to the
original method and URL. The replay is recorded in the traffic log.

Requires a running "oapx serve".

Examples:
  oapx replay 42 '{"type":"https://oap.dev/schemas/commerce/order","threadId":"r1","offerId":"o-7"}'
  oapx replay 42 @order.json`,
	Args: cobra.ExactArgs(2),
	Run:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		cmdutil.OutputError(fmt.Errorf("invalid log id %q", args[0]), cmdutil.ExitValidationError)
		return
	}

	body, err := readPlaintext(args[1])
	if err != nil {
		cmdutil.OutputError(err, cmdutil.ExitValidationError)
		return
	}

	res, err := cmdutil.AdminClient().Replay(cmd.Context(), id, body)
	if err != nil {
		cmdutil.Fail(err)
		return
	}

	if err := output.WriteJSON(cmd.OutOrStdout(), res); err != nil {
		cmdutil.OutputError(err, cmdutil.ExitGeneralError)
	}
}

// readPlaintext returns arg, or the contents of the file it names when it
// starts with @.
func readPlaintext(arg string) (string, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read plaintext file: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
