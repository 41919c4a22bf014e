package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRedactorStrategies(t *testing.T) {
	r := NewRedactor(map[string]string{
		"Email": StrategyMask,
		"ssn":   StrategyHash,
		"name":  StrategyReplace,
		"debug": StrategyDrop,
	})

	tests := []struct {
		name     string
		key      string
		value    any
		want     any
		wantKeep bool
	}{
		{name: "mask is case insensitive", key: "EMAIL", value: "someone@example.com", want: "some***.com", wantKeep: true},
		{name: "short values fully masked", key: "email", value: "a@b.c", want: "***", wantKeep: true},
		{name: "hash", key: "ssn", value: "123-45-6789", want: hashValue("123-45-6789"), wantKeep: true},
		{name: "replace", key: "name", value: "Ada", want: "[REDACTED]", wantKeep: true},
		{name: "drop", key: "debug", value: true, wantKeep: false},
		{name: "deny list wins", key: "X-Api_Key", value: "k", wantKeep: false},
		{name: "deny list substring", key: "session_token", value: "t", wantKeep: false},
		{name: "untouched", key: "path", value: "/orders", want: "/orders", wantKeep: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := r.Redact(tt.key, tt.value)
			if keep != tt.wantKeep {
				t.Fatalf("keep = %v, want %v", keep, tt.wantKeep)
			}
			if keep && got != tt.want {
				t.Fatalf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilRedactorKeepsValues(t *testing.T) {
	var r *Redactor
	got, keep := r.Redact("authorization", "Bearer x")
	if !keep || got != "Bearer x" {
		t.Fatalf("nil redactor must pass values through, got %v %v", got, keep)
	}
}

func TestRedactorLogAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewRedactor(map[string]string{"email": StrategyReplace})

	logger.Info("hop", r.LogAttr("variables", map[string]any{
		"email":    "a@example.com",
		"password": "hunter2",
		"tenant":   "acme",
	}))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	vars, ok := line["variables"].(map[string]any)
	if !ok {
		t.Fatalf("expected variables group, got %v", line)
	}
	if vars["email"] != "[REDACTED]" {
		t.Fatalf("email not redacted: %v", vars["email"])
	}
	if _, ok := vars["password"]; ok {
		t.Fatalf("password must be dropped")
	}
	if vars["tenant"] != "acme" {
		t.Fatalf("tenant should be kept, got %v", vars["tenant"])
	}
}
