package logger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFrom_FallsBackToSingleton(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatal("From returned nil")
	}
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := ToContext(context.Background(), zap.New(core))
	From(ctx).Info("scoped", KeyID("k1"), Source("TEST"), Err(nil))

	if logs.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", logs.Len())
	}
	m := logs.All()[0].ContextMap()
	if m["key_id"] != "k1" || m["source"] != "TEST" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["error"]; ok {
		t.Fatalf("nil error should be skipped")
	}
}

func TestErr(t *testing.T) {
	f := Err(errors.New("x"))
	if f.Key != "error" {
		t.Fatalf("key = %q", f.Key)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel, "WARN": zapcore.WarnLevel, "error": zapcore.ErrorLevel,
		"": zapcore.InfoLevel, "nonsense": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestZapConfig_TimeFieldsKeepTheDate(t *testing.T) {
	exp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, env := range []string{"dev", "prod"} {
		zcfg, _ := zapConfig(Config{Env: env})
		var enc zapcore.Encoder
		if zcfg.Encoding == "json" {
			enc = zapcore.NewJSONEncoder(zcfg.EncoderConfig)
		} else {
			enc = zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
		}
		buf, err := enc.EncodeEntry(zapcore.Entry{Time: exp, Message: "signing key transition"},
			[]zapcore.Field{zap.Time("active_expires_at", exp)})
		if err != nil {
			t.Fatalf("%s: %v", env, err)
		}
		out := buf.String()
		if strings.Count(out, "2025-03-01T12:00:00.000Z") != 2 {
			t.Fatalf("%s: expiry date lost: %s", env, out)
		}
	}
}
