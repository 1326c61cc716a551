package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env       string
		wantDebug bool
	}{
		{"dev", true},
		{"prod", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.env)
			logger.Debug().Msg("pipeline: отладка")
			if got := buf.Len() > 0; got != tt.wantDebug {
				t.Fatalf("debug для %s: получили %v", tt.env, got)
			}
		})
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "prod"), "worker")
	logger.Info().Msg("worker: старт")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ожидали JSON: %v", err)
	}
	if entry["component"] != "worker" || entry["time"] == nil {
		t.Fatalf("неожиданная запись: %v", entry)
	}
}
