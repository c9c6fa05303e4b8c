package ecash

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TokenPrefix identifies serialised ecash tokens.
const TokenPrefix = "cashuA"

// ErrMalformedToken is returned when an encoded token cannot be decoded.
var ErrMalformedToken = errors.New("ecash: malformed token")

type tokenEntry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

type tokenEnvelope struct {
	Token []tokenEntry `json:"token"`
	Unit  string       `json:"unit,omitempty"`
	Memo  string       `json:"memo,omitempty"`
}

// DecodedToken is the parsed form of an encoded ecash token.
type DecodedToken struct {
	Mint   string
	Unit   string
	Memo   string
	Proofs []Proof
}

// Amount returns the total value of the decoded proofs.
func (d DecodedToken) Amount() int64 {
	var total int64
	for _, p := range d.Proofs {
		total += p.Amount
	}
	return total
}

// EncodeToken serialises proofs from a single mint into a bearer token string.
func EncodeToken(mint, unit, memo string, proofs []Proof) (string, error) {
	if len(proofs) == 0 {
		return "", fmt.Errorf("%w: no proofs", ErrMalformedToken)
	}
	env := tokenEnvelope{
		Token: []tokenEntry{{Mint: NormalizeMintURL(mint), Proofs: proofs}},
		Unit:  strings.TrimSpace(unit),
		Memo:  memo,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a bearer token string. Tokens spanning several mints are
// rejected because every local token row belongs to exactly one mint.
func DecodeToken(encoded string) (DecodedToken, error) {
	trimmed := strings.TrimSpace(encoded)
	trimmed = strings.TrimPrefix(trimmed, "cashu:")
	if !strings.HasPrefix(trimmed, TokenPrefix) {
		return DecodedToken{}, fmt.Errorf("%w: missing %s prefix", ErrMalformedToken, TokenPrefix)
	}
	body := strings.TrimPrefix(trimmed, TokenPrefix)
	raw, err := decodeBase64(body)
	if err != nil {
		return DecodedToken{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return DecodedToken{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(env.Token) != 1 {
		return DecodedToken{}, fmt.Errorf("%w: expected one mint entry, got %d", ErrMalformedToken, len(env.Token))
	}
	entry := env.Token[0]
	mint := NormalizeMintURL(entry.Mint)
	if mint == "" || len(entry.Proofs) == 0 {
		return DecodedToken{}, fmt.Errorf("%w: mint and proofs required", ErrMalformedToken)
	}
	if _, err := SumProofs(entry.Proofs); err != nil {
		return DecodedToken{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	unit := strings.TrimSpace(env.Unit)
	if unit == "" {
		unit = DefaultUnit
	}
	return DecodedToken{Mint: mint, Unit: unit, Memo: env.Memo, Proofs: entry.Proofs}, nil
}

func decodeBase64(body string) ([]byte, error) {
	body = strings.TrimRight(body, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(body); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(body)
}
