package delivery

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// ContentIdentity is the fallback message identity used when neither an
// envelope id nor a client id is available. Content is NFC normalised so
// visually identical text from different clients collides.
func ContentIdentity(direction Direction, createdAt int64, content string) string {
	var buf bytes.Buffer
	buf.WriteString(string(direction))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatInt(createdAt, 10))
	buf.WriteByte(0)
	buf.WriteString(norm.NFC.String(strings.TrimSpace(content)))
	sum := blake3.Sum256(buf.Bytes())
	return "c:" + hex.EncodeToString(sum[:])
}

// NormalizePubKey accepts a hex public key or its bech32 "npub" form and
// returns lowercase hex.
func NormalizePubKey(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("delivery: empty public key")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "npub1") {
		hrp, data, err := bech32.Decode(strings.ToLower(trimmed))
		if err != nil {
			return "", fmt.Errorf("delivery: invalid npub: %w", err)
		}
		if hrp != "npub" {
			return "", fmt.Errorf("delivery: unexpected prefix %q", hrp)
		}
		conv, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("delivery: invalid npub payload: %w", err)
		}
		if len(conv) != 32 {
			return "", fmt.Errorf("delivery: npub must carry 32 bytes, got %d", len(conv))
		}
		return hex.EncodeToString(conv), nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return "", fmt.Errorf("delivery: public key must be 32 byte hex or npub")
	}
	return strings.ToLower(trimmed), nil
}

// EncodeNpub renders a hex public key in bech32 form.
func EncodeNpub(pubHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("delivery: public key must be 32 byte hex")
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("npub", conv)
}
