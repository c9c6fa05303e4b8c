package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))
	logger.Info("wallet/split: swap complete", MaskField("seed", "deadbeef"), MaskField("mint", "https://mint.example.com"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "wallet/split: swap complete" || line["severity"] != "INFO" {
		t.Fatalf("unexpected line %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
	if line["seed"] != RedactedValue {
		t.Fatalf("seed must be redacted, got %v", line["seed"])
	}
	if line["mint"] != "https://mint.example.com" {
		t.Fatalf("mint is allowlisted, got %v", line["mint"])
	}
}

func TestSetupWithFileWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletd.log")
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	logger, closer := SetupWithFile("walletd", "test", FileOptions{Path: path})
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"service":"walletd"`) || !strings.Contains(string(raw), `"message":"hello"`) {
		t.Fatalf("unexpected log file contents %s", raw)
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("") != "" {
		t.Fatalf("empty values stay empty")
	}
	if MaskValue("cashuAabc") != RedactedValue {
		t.Fatalf("token must be masked")
	}
}

func TestMaskFieldFingerprintsTokens(t *testing.T) {
	a := MaskField("token", "cashuAeyJ0b2tlbiI6W119")
	b := MaskField("Token", "cashuAeyJ0b2tlbiI6W119")
	c := MaskField("token", "cashuAother")
	if a.Value.String() != b.Value.String() {
		t.Fatalf("same token should fingerprint identically: %s vs %s", a.Value, b.Value)
	}
	if a.Value.String() == c.Value.String() {
		t.Fatalf("different tokens share a fingerprint")
	}
	if !strings.HasPrefix(a.Value.String(), "[REDACTED:") || strings.Contains(a.Value.String(), "cashu") {
		t.Fatalf("token leaked: %s", a.Value)
	}
	if got := MaskField("signature", "abcd").Value.String(); got != RedactedValue {
		t.Fatalf("signature must be fully masked, got %s", got)
	}
}
