package events

import (
	"slices"
	"strings"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/spf13/cobra"
)

// EventsCmd shows the recent log of a running server.
var EventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show what a running server logged recently",
	Long: `Show the most recent log records of a running "oapx serve": derived
session keys, added secrets, replays and upstream failures.

Examples:
  oapx events
  oapx events --limit 20 --json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		records, err := cmdutil.AdminClient().Events(cmd.Context(), limit)
		if err != nil {
			cmdutil.Fail(err)
			return
		}
		if jsonOutput {
			_ = output.WriteJSON(cmd.OutOrStdout(), records)
			return
		}
		render(cmd, records)
	},
}

var (
	limit      int
	jsonOutput bool
)

func render(cmd *cobra.Command, records []logger.Record) {
	table := output.NewTable(cmd.OutOrStdout(), "TIME", "LEVEL", "MESSAGE", "DETAILS")
	for _, r := range records {
		table.Append(output.HumanTime(r.Time), r.Level, r.Message, output.Truncate(formatAttrs(r.Attrs), 80))
	}
	table.Render()
}

func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
	}
	return b.String()
}

func init() {
	EventsCmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	EventsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}
