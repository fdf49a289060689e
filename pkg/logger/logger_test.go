package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerEmitsServiceAndFields(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "fulfillment-test", Level: zerolog.InfoLevel, Output: &buf})

	ctx := logg.WithOrderID(context.Background(), "order-123")
	ctx = logg.WithVendorID(ctx, "vendor-9")
	logg.Info(ctx, "accept recorded")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not json: %v", err)
	}
	if entry["service"] != "fulfillment-test" {
		t.Fatalf("missing service field: %v", entry)
	}
	if entry["order_id"] != "order-123" || entry["vendor_id"] != "vendor-9" {
		t.Fatalf("missing context fields: %v", entry)
	}
	if entry["message"] != "accept recorded" {
		t.Fatalf("unexpected message: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("") != zerolog.InfoLevel {
		t.Fatal("empty level should default to info")
	}
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Fatal("debug should parse")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Fatal("unknown level should default to info")
	}
}

func TestContextOverridesDoNotLeak(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "fulfillment-test", Output: &buf})

	scoped := logg.WithRoutingID(context.Background(), "routing-1")
	_ = scoped

	logg.Info(context.Background(), "plain entry")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not json: %v", err)
	}
	if _, ok := entry["routing_id"]; ok {
		t.Fatalf("routing_id leaked into unscoped context: %v", entry)
	}
}
