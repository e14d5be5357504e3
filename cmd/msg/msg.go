package msg

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/endorses/oapxray/internal/pkg/output"
	"github.com/endorses/oapxray/internal/pkg/schema"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/spf13/cobra"
)

// MsgCmd works on single OAP messages offline.
var MsgCmd = &cobra.Command{
	Use:   "msg",
	Short: "Decode, decrypt and validate single messages",
	Long: `Work on single OAP messages without a running server.

Message arguments are literal text, or @path to read a file.

Examples:
  oapx msg decode @container.json
  oapx msg decrypt @container.json --key 3b1f...
  oapx msg validate @order.json --schema commerce-order`,
}

var (
	keyHex     string
	schemaName string
)

// ContainerInfo is the decoded, still encrypted, view of a container.
type ContainerInfo struct {
	Kind          string      `json:"kind"`
	Header        *wire.Header `json:"header,omitempty"`
	IVBytes       int         `json:"iv_bytes,omitempty"`
	CipherBytes   int         `json:"ciphertext_bytes,omitempty"`
	TagBytes      int         `json:"tag_bytes,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

var decodeCmd = &cobra.Command{
	Use:   "decode <message|@file>",
	Short: "Classify a message and print what is visible without keys",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := readArg(args[0])
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		if err := output.WriteJSON(cmd.OutOrStdout(), Describe(body)); err != nil {
			cmdutil.OutputError(err, cmdutil.ExitGeneralError)
		}
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <container|@file>",
	Short: "Open a container with a known session key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := readArg(args[0])
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		key, err := ParseSessionKey(keyHex)
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		plaintext, err := Decrypt(body, key)
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}
		cmd.Println(xray.Printable(plaintext))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <payload|@file>",
	Short: "Validate a decrypted payload against the bundled message schemas",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := readArg(args[0])
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}

		v := schema.NewValidator()
		var res schema.Result
		if schemaName != "" {
			res, err = v.ValidateAs(schemaName, body)
		} else {
			var ok bool
			res, ok, err = v.Validate(body)
			if err == nil && !ok {
				err = fmt.Errorf("no schema applies; pass --schema (one of %s)", strings.Join(schema.Names(), ", "))
			}
		}
		if err != nil {
			cmdutil.OutputError(err, cmdutil.ExitValidationError)
			return
		}

		cmd.Println(res.String())
		if !res.Valid {
			os.Exit(cmdutil.ExitValidationError)
		}
	},
}

// Describe classifies body and reports the parts readable without keys.
func Describe(body []byte) ContainerInfo {
	pkt := xray.Classify(body)
	info := ContainerInfo{Kind: pkt.Kind.String()}
	switch pkt.Kind {
	case xray.KindHandshakeRequest:
		info.CorrelationID = pkt.Request.ID
	case xray.KindHandshakeResponse:
		info.CorrelationID = pkt.Response.ReplyTo
	case xray.KindEncryptedContainer:
		c := pkt.Container
		info.Header = &c.Header
		info.IVBytes = len(c.IV)
		info.CipherBytes = len(c.Ciphertext)
		info.TagBytes = len(c.Tag)
	}
	return info
}

// ParseSessionKey decodes a hex session key.
func ParseSessionKey(s string) (primitives.SessionKey, error) {
	var key primitives.SessionKey
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid session key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("invalid session key: want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// Decrypt parses body as a container and opens it under key.
func Decrypt(body []byte, key primitives.SessionKey) ([]byte, error) {
	c, err := wire.ParseContainer(body)
	if err != nil {
		return nil, err
	}
	return primitives.Open(c, key)
}

func readArg(arg string) ([]byte, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return []byte(arg), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func init() {
	decryptCmd.Flags().StringVar(&keyHex, "key", "", "hex session key (32 bytes)")
	_ = decryptCmd.MarkFlagRequired("key")
	validateCmd.Flags().StringVar(&schemaName, "schema", "", "schema name; picked from the payload type when empty")

	MsgCmd.AddCommand(decodeCmd)
	MsgCmd.AddCommand(decryptCmd)
	MsgCmd.AddCommand(validateCmd)
}
