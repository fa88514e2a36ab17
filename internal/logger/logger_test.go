package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("JSONログとして解析できない: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("message accepted",
		slog.String("channel_id", "general"),
		slog.Int64("seq", 42),
	)

	entry := decodeEntry(t, &buf)
	if entry["msg"] != "message accepted" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["channel_id"] != "general" {
		t.Errorf("channel_id = %v", entry["channel_id"])
	}
	if entry["seq"] != float64(42) {
		t.Errorf("seq = %v, want 42", entry["seq"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("time フィールドがない")
	}
	if entry["service"] != ServiceName {
		t.Errorf("service = %v, want %s", entry["service"], ServiceName)
	}
}

func TestSetup_LevelFieldAndThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Debugが出力された: %s", buf.String())
	}

	l.Warn("rate limited")
	if entry := decodeEntry(t, &buf); entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
}

func TestSetupWithLevel_Debug(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWithLevel(&buf, slog.LevelDebug)

	l.Debug("frame received")
	if entry := decodeEntry(t, &buf); entry["level"] != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", entry["level"])
	}
}

func TestSetup_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("login",
		slog.String("username", "the-amps"),
		slog.String("password", "hunter22"),
		slog.String("token", "eyJhbGciOi"),
		slog.String("token_prefix", "abcd1234"),
	)

	raw := buf.String()
	for _, secret := range []string{"hunter22", "eyJhbGciOi"} {
		if strings.Contains(raw, secret) {
			t.Errorf("秘密情報がログに含まれている: %s", raw)
		}
	}
	entry := decodeEntry(t, &buf)
	if entry["username"] != "the-amps" {
		t.Errorf("username = %v", entry["username"])
	}
	if entry["password"] != "[REDACTED]" {
		t.Errorf("password = %v, want [REDACTED]", entry["password"])
	}
	// 接頭辞だけのトークンはそのまま出力する
	if entry["token_prefix"] != "abcd1234" {
		t.Errorf("token_prefix = %v", entry["token_prefix"])
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	entry := decodeEntry(t, &buf)
	if entry["msg"] != "global test" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %v", entry["test_key"])
	}
}
