package analyze

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/endorses/oapxray/internal/pkg/pcapsource"
	"github.com/endorses/oapxray/internal/pkg/signals"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AnalyzeCmd runs the passive engine over a capture file.
var AnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze OAP traffic in a pcap or pcapng file",
	Long: `Analyze OAP traffic in a pcap or pcapng file.

TCP streams are reassembled and parsed as HTTP/1.x; every request and
response body is fed to the engine in capture order, exactly as the proxy
would see it.

Examples:
  oapx analyze -r capture.pcap --secret z6LS...
  oapx analyze -r capture.pcapng --secrets-file keys.txt --ports 9000 --json
  oapx analyze -r capture.pcap --secrets-file keys.txt --save`,
	RunE: runAnalyze,
}

var (
	readFile    string
	secrets     []string
	secretsFile string
	ports       []string
	save        bool
	jsonOutput  bool
)

// record is one analyzed message, as printed.
type record struct {
	Time          string `json:"time"`
	Conn          string `json:"conn"`
	Message       string `json:"message"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Direction     string `json:"direction,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

func init() {
	flags := AnalyzeCmd.Flags()
	flags.StringVarP(&readFile, "read-file", "r", "", "capture file to read (required)")
	flags.StringSliceVar(&secrets, "secret", nil, "candidate private key, multibase or hex (repeatable)")
	flags.StringVar(&secretsFile, "secrets-file", "", "file with one candidate secret per line")
	flags.StringSliceVar(&ports, "ports", nil, "HTTP server ports (default 80,3000,8000,8080,9000)")
	flags.BoolVar(&save, "save", false, "record request/response pairs in the traffic log")
	flags.BoolVar(&jsonOutput, "json", false, "print one JSON object per message")
	_ = AnalyzeCmd.MarkFlagRequired("read-file")

	_ = viper.BindPFlag("analyze.ports", flags.Lookup("ports"))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	serverPorts, err := parsePorts(cmdutil.GetStringSliceConfig("analyze.ports", ports))
	if err != nil {
		return err
	}

	store := keystore.New(keystore.Config{})
	if err := cmdutil.LoadSecrets(store, secrets, secretsFile); err != nil {
		return err
	}
	candidates := store.Secrets()

	f, err := os.Open(readFile)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	engine := xray.NewEngine(xray.DefaultConfig())
	var msgs []pcapsource.Message
	stats, err := pcapsource.Analyze(ctx, f, pcapsource.Config{ServerPorts: serverPorts}, func(m pcapsource.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return err
	}

	observed := make(map[*pcapsource.Message]xray.Observation, len(msgs))
	table := output.NewTable(cmd.OutOrStdout(), "TIME", "CONN", "MESSAGE", "KIND", "HANDSHAKE", "SUMMARY")
	for i := range msgs {
		m := &msgs[i]
		obs := engine.Observe(m.Body, candidates)
		observed[m] = obs

		rec := toRecord(m, obs)
		if jsonOutput {
			data, err := output.MarshalJSONPretty(rec, false)
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			continue
		}
		table.Append(rec.Time, rec.Conn, rec.Message, rec.Kind, rec.CorrelationID, output.Truncate(rec.Summary, 80))
	}
	if !jsonOutput {
		table.Render()
	}

	regStats := engine.Registry().Stats()
	logger.Info("Analysis complete",
		"messages", len(msgs),
		"parse_errors", stats.ParseErrors,
		"handshakes", regStats.Contexts,
		"resolved", regStats.Resolved,
		"unresolved", regStats.Unresolved)

	if save {
		return saveExchanges(ctx, pcapsource.Pair(msgs), observed)
	}
	return nil
}

func toRecord(m *pcapsource.Message, obs xray.Observation) record {
	rec := record{
		Time:          m.Timestamp.UTC().Format("15:04:05.000"),
		Conn:          m.ConnID,
		Kind:          obs.Kind.String(),
		CorrelationID: obs.CorrelationID,
		Direction:     string(obs.Direction),
		Summary:       obs.Summary,
	}
	if m.Response {
		rec.Message = strconv.Itoa(m.Status)
	} else {
		rec.Message = m.Method + " " + m.URL
	}
	return rec
}

func saveExchanges(ctx context.Context, exchanges []pcapsource.Exchange, observed map[*pcapsource.Message]xray.Observation) error {
	logs, err := cmdutil.OpenTrafficLog(ctx)
	if err != nil {
		return err
	}
	defer logs.Close()

	saved := 0
	for _, ex := range exchanges {
		if ex.Request == nil {
			continue
		}
		entry := &trafficlog.Entry{
			Timestamp:      ex.Request.Timestamp.UTC(),
			Method:         ex.Request.Method,
			URL:            ex.Request.URL,
			RequestHeaders: ex.Request.Header,
			RequestBody:    xray.Printable(ex.Request.Body),
			Notes:          "from capture " + readFile,
		}
		obs := observed[ex.Request]
		entry.RequestKind = kindLabel(obs.Kind)
		if obs.Plaintext != nil {
			entry.DecryptedRequestBody = xray.Printable(obs.Plaintext)
		}
		if ex.Response != nil {
			entry.Status = ex.Response.Status
			entry.ResponseHeaders = ex.Response.Header
			entry.ResponseBody = xray.Printable(ex.Response.Body)
			robs := observed[ex.Response]
			entry.ResponseKind = kindLabel(robs.Kind)
			if robs.Plaintext != nil {
				entry.DecryptedResponseBody = xray.Printable(robs.Plaintext)
			}
		}
		if _, err := logs.Insert(ctx, entry); err != nil {
			return err
		}
		saved++
	}
	logger.Info("Exchanges saved to traffic log", "count", saved)
	return nil
}

func kindLabel(k xray.Kind) string {
	if k == xray.KindUnrecognized {
		return ""
	}
	return k.String()
}

func parsePorts(in []string) ([]uint16, error) {
	var out []uint16
	for _, s := range in {
		p, err := strconv.ParseUint(s, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port %q", s)
		}
		out = append(out, uint16(p))
	}
	return out, nil
}
