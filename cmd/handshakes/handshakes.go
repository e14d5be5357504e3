package handshakes

import (
	"github.com/endorses/oapxray/internal/pkg/adminapi"
	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/spf13/cobra"
)

// HandshakesCmd inspects the handshake registry of a running server.
var HandshakesCmd = &cobra.Command{
	Use:   "handshakes",
	Short: "Inspect observed handshakes",
	Long: `Inspect the handshakes observed by a running "oapx serve".

Subcommands:
  list    - List handshake contexts and their key status
  derive  - Retry key derivation for one handshake with the current secrets

Examples:
  oapx handshakes list
  oapx handshakes derive r1`,
}

var jsonOutput bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List handshake contexts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		list, err := cmdutil.AdminClient().Handshakes(cmd.Context())
		if err != nil {
			cmdutil.Fail(err)
			return
		}
		if jsonOutput {
			_ = output.WriteJSON(cmd.OutOrStdout(), list)
			return
		}
		table := output.NewTable(cmd.OutOrStdout(), "ID", "INITIATOR", "RESPONDER", "STATUS", "KID", "CREATED")
		for _, h := range list {
			table.Append(h.RequestID, h.InitiatorDID, h.ResponderDID, Status(h), h.KeyID, output.HumanTime(h.Created))
		}
		table.Render()
	},
}

var deriveCmd = &cobra.Command{
	Use:   "derive <id>",
	Short: "Retry key derivation for a handshake",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res, err := cmdutil.AdminClient().Derive(cmd.Context(), args[0])
		if err != nil {
			cmdutil.Fail(err)
			return
		}
		if jsonOutput {
			_ = output.WriteJSON(cmd.OutOrStdout(), res)
			return
		}
		if res.Derived {
			cmd.Printf("Session keys derived for %s\n", res.ID)
			return
		}
		cmd.Printf("No candidate secret matches %s\n", res.ID)
	},
}

// Status summarizes where a handshake stands.
func Status(h adminapi.Handshake) string {
	switch {
	case h.KeysResolved && h.Session != nil:
		return "keys (" + h.Session.Side + ")"
	case h.KeysResolved:
		return "keys"
	case h.ResponseObserved:
		return "no matching secret"
	default:
		return "awaiting response"
	}
}

func init() {
	HandshakesCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
	HandshakesCmd.AddCommand(listCmd)
	HandshakesCmd.AddCommand(deriveCmd)
}
