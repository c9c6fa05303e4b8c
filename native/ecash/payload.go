package ecash

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadKind discriminates the classified message payloads.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadEcash
	PayloadInvoice
	PayloadPromise
	PayloadSettlement
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEcash:
		return "ecash"
	case PayloadInvoice:
		return "invoice"
	case PayloadPromise:
		return "promise"
	case PayloadSettlement:
		return "settlement"
	default:
		return "text"
	}
}

// ParsedPayload is the classified form of a plaintext message. Exactly one of
// the kind specific fields is populated.
type ParsedPayload struct {
	Kind    PayloadKind
	Token   *DecodedToken
	Encoded string
	Invoice string
	// Raw holds the JSON object for promise and settlement payloads; the credit
	// package decodes it into its message types.
	Raw  json.RawMessage
	Text string
}

// ParseError reports a payload that looked like a structured kind but failed to
// decode. Text payloads never fail.
type ParseError struct {
	Kind PayloadKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("payload: parse %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var invoicePrefixes = []string{"lnbcrt", "lntbs", "lntb", "lnbc"}

// ParsePayload is the single classifier for message content. Structured JSON
// carries a "type" discriminator; bearer tokens and BOLT11 invoices are
// recognised by their prefixes; everything else is text.
func ParsePayload(content string) (ParsedPayload, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ParsedPayload{Kind: PayloadText, Text: content}, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseStructured(content, trimmed)
	}
	candidate := strings.TrimPrefix(trimmed, "cashu:")
	if strings.HasPrefix(candidate, TokenPrefix) {
		decoded, err := DecodeToken(candidate)
		if err != nil {
			return ParsedPayload{}, &ParseError{Kind: PayloadEcash, Err: err}
		}
		return ParsedPayload{Kind: PayloadEcash, Token: &decoded, Encoded: candidate}, nil
	}
	if invoice, ok := asInvoice(trimmed); ok {
		return ParsedPayload{Kind: PayloadInvoice, Invoice: invoice}, nil
	}
	return ParsedPayload{Kind: PayloadText, Text: content}, nil
}

func parseStructured(content, trimmed string) (ParsedPayload, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return ParsedPayload{Kind: PayloadText, Text: content}, nil
	}
	switch probe.Type {
	case "promise":
		return ParsedPayload{Kind: PayloadPromise, Raw: json.RawMessage(trimmed)}, nil
	case "settlement":
		return ParsedPayload{Kind: PayloadSettlement, Raw: json.RawMessage(trimmed)}, nil
	default:
		return ParsedPayload{Kind: PayloadText, Text: content}, nil
	}
}

func asInvoice(s string) (string, bool) {
	lower := strings.ToLower(s)
	lower = strings.TrimPrefix(lower, "lightning:")
	if strings.ContainsAny(lower, " \t\n") {
		return "", false
	}
	for _, prefix := range invoicePrefixes {
		if strings.HasPrefix(lower, prefix) && len(lower) > len(prefix)+8 {
			return lower, true
		}
	}
	return "", false
}
