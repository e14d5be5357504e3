package keys

import (
	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/spf13/cobra"
)

// KeysCmd manages the candidate secrets of a running server.
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage candidate secrets",
	Long: `Manage the candidate secrets of a running "oapx serve".

Subcommands:
  add   - Add a private key (multibase or hex)
  list  - List keys by fingerprint; secret material is never shown
  rm    - Remove a key by fingerprint

Examples:
  oapx keys add z3u2... --label bob-ephemeral
  oapx keys list
  oapx keys rm 1f2e3d4c5b6a79880716`,
}

var (
	label      string
	jsonOutput bool
)

var addCmd = &cobra.Command{
	Use:   "add <secret>",
	Short: "Add a candidate secret",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := cmdutil.AdminClient().AddSecret(cmd.Context(), args[0], label)
		if err != nil {
			cmdutil.Fail(err)
			return
		}
		if jsonOutput {
			_ = output.WriteJSON(cmd.OutOrStdout(), resp)
			return
		}
		cmd.Printf("Added %s (%s)\n", resp.Key.ID, resp.Key.PublicKey)
		for _, id := range resp.Derived {
			cmd.Printf("Session keys derived for handshake %s\n", id)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidate secrets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		infos, err := cmdutil.AdminClient().Secrets(cmd.Context())
		if err != nil {
			cmdutil.Fail(err)
			return
		}
		if jsonOutput {
			_ = output.WriteJSON(cmd.OutOrStdout(), infos)
			return
		}
		table := output.NewTable(cmd.OutOrStdout(), "ID", "LABEL", "PUBLIC KEY", "ADDED")
		for _, info := range infos {
			table.Append(info.ID, info.Label, output.Truncate(info.PublicKey, 24), output.HumanTime(info.AddedAt))
		}
		table.Render()
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a candidate secret",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmdutil.AdminClient().RemoveSecret(cmd.Context(), args[0]); err != nil {
			cmdutil.Fail(err)
			return
		}
		cmd.Printf("Removed %s\n", args[0])
	},
}

func init() {
	addCmd.Flags().StringVar(&label, "label", "", "free-form label")
	KeysCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	KeysCmd.AddCommand(addCmd)
	KeysCmd.AddCommand(listCmd)
	KeysCmd.AddCommand(rmCmd)
}
