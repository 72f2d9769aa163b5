// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/jllopis/custos/pkg/config"
)

func TestConfigureSlogTagsComponentFromEventName(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, config.LogConfig{Level: "info", Format: "json"})

	logger.Info("observer.tick.start", "beat", 6)

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decoding log record: %v", err)
	}
	if record["msg"] != "observer.tick.start" {
		t.Fatalf("msg = %v, want observer.tick.start", record["msg"])
	}
	if record["component"] != "observer" {
		t.Fatalf("component = %v, want observer", record["component"])
	}
}

func TestConfigureSlogSkipsComponentForPlainMessages(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, config.LogConfig{Level: "info", Format: "json"})

	logger.Info("control API listening", "addr", ":8844")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decoding log record: %v", err)
	}
	if _, present := record["component"]; present {
		t.Fatalf("plain message got component %v", record["component"])
	}
}

func TestConfigureSlogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, config.LogConfig{Level: "warn", Format: "json"})

	logger.Info("updater.apply.start")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn("updater.apply.failed")
	if buf.Len() == 0 {
		t.Fatal("warn record suppressed at warn level")
	}
}

func TestEventComponent(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"observer.tick", "observer"},
		{"updater.rollback.start", "updater"},
		{"healer.keep_alive.failed", "healer"},
		{"no reports available", ""},
		{"plain message", ""},
		{"trailing.", ""},
		{".leading", ""},
	}
	for _, tc := range cases {
		if got := eventComponent(tc.message); got != tc.want {
			t.Errorf("eventComponent(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}
