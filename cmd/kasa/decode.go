package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/kasa/internal/codec"
)

var (
	decodeHeader  bool
	decodeEncrypt bool
)

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVar(&decodeHeader, "header", false, "Input carries the 4-byte length header (TCP capture)")
	decodeCmd.Flags().BoolVar(&decodeEncrypt, "encrypt", false, "Encrypt plain JSON to hex instead of decoding")
}

// decodeCmd converts captured payloads to JSON and back
var decodeCmd = &cobra.Command{
	Use:   "decode [hex]",
	Short: "Decode a captured payload (hex) to JSON",
	Long: `Decode an obfuscated payload captured off the wire. Reads the hex string
from the argument, or from stdin when none is given. UDP datagrams carry no
header; TCP payloads need --header.`,
	Example: `  kasa decode d0f281f88bff9af7d5ef94b6d1b4c09fec95e68fe187e8caf08bf68bf6
  tcpdump -x ... | kasa decode --header
  echo '{"system":{"get_sysinfo":{}}}' | kasa decode --encrypt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		out, err := convertPayload(input, decodeHeader, decodeEncrypt)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := stdin.(*os.File); ok && f == os.Stdin {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("no input: pass a hex string or pipe one on stdin")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// convertPayload decodes hex to indented JSON, or encrypts JSON to hex.
func convertPayload(input string, header, encrypt bool) (string, error) {
	input = strings.TrimSpace(input)
	if encrypt {
		if header {
			return hex.EncodeToString(codec.EncryptWithHeader([]byte(input))), nil
		}
		return hex.EncodeToString(codec.Encrypt([]byte(input))), nil
	}

	// Tolerate hexdump style spacing and line breaks
	wire, err := hex.DecodeString(strings.Join(strings.Fields(input), ""))
	if err != nil {
		return "", fmt.Errorf("input is not hex: %w", err)
	}

	var plain []byte
	if header {
		plain = codec.DecryptWithHeader(wire)
	} else {
		plain = codec.Decrypt(wire)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, plain, "", "  "); err != nil {
		// Not JSON: show the raw text so truncated captures are still readable
		return string(plain), nil
	}
	return buf.String(), nil
}
