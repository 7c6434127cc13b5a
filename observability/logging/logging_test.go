package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("order settled", slog.String("order", "ab"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if entry["message"] != "order settled" || entry["severity"] != "INFO" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSetupWithRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketd.log")
	logger, closer := SetupWithOptions("marketd", "test", Options{File: path, Level: "debug"})
	logger.Debug("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !bytes.Contains(data, []byte(`"service":"marketd"`)) || !bytes.Contains(data, []byte("written to file")) {
		t.Fatalf("unexpected log contents %q", data)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	log.SetOutput(os.Stderr)
}

func TestMasking(t *testing.T) {
	if attr := MaskField("jwt_secret", "s3cret"); attr.Value.String() != RedactedValue {
		t.Fatalf("secret not masked: %v", attr)
	}
	if attr := MaskField("route", "/v1/orders"); attr.Value.String() != "/v1/orders" {
		t.Fatalf("allowlisted key masked: %v", attr)
	}
	masked := MaskDSN("postgres://market:hunter2@db:5432/market?sslmode=disable")
	if bytes.Contains([]byte(masked), []byte("hunter2")) || !bytes.Contains([]byte(masked), []byte("db:5432")) {
		t.Fatalf("unexpected masked dsn %q", masked)
	}
	if MaskDSN("host=db password=hunter2") != RedactedValue {
		t.Fatalf("key/value dsn not redacted")
	}
}
