package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup("debug", true, &buf); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer Setup("info", false, os.Stderr)

	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %v, expected debug", log.GetLevel())
	}

	ForRun("ctdet", "abc").Info("hello")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["exp_id"] != "abc" || entry["task"] != "ctdet" || entry["msg"] != "hello" {
		t.Errorf("unexpected entry: %v", entry)
	}

	if err := Setup("loud", false, nil); err == nil {
		t.Error("expected error for invalid level")
	}
}
