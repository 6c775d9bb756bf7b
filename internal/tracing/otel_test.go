package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in     string
		host   string
		secure bool
	}{
		{"http://localhost:4318", "localhost:4318", false},
		{"https://collector:4318/", "collector:4318", true},
		{"collector:4318", "collector:4318", false},
	}
	for _, tc := range cases {
		host, secure := parseEndpoint(tc.in)
		if host != tc.host || secure != tc.secure {
			t.Errorf("parseEndpoint(%q) = %q, %v; want %q, %v", tc.in, host, secure, tc.host, tc.secure)
		}
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[string]float64{"": 1, "0.25": 0.25, "7": 1, "nope": 1} {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", in)
		if got := sampleRatio(); got != want {
			t.Errorf("sampleRatio(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	ctx, span := Start(context.Background(), "test", "op", "s1")
	if ctx == nil || span == nil {
		t.Fatal("expected a usable span")
	}
	End(span, errors.New("boom"))
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
