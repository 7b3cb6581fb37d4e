package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewTagsServiceAndHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "settlement")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("kept", "wallet_id", "w-1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "settlement" || line["wallet_id"] != "w-1" || line["msg"] != "kept" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "loud", "").Info("hello")
	if buf.Len() == 0 {
		t.Fatalf("expected info output for an unknown level")
	}
}
