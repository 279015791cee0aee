package goShield

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigNeedsPasswordKey(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected default config without password key to fail")
	}
	cfg.Keys.Password = "secret-password"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config with password key to validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero ttl", func(c *Config) { c.Token.TTL = 0 }, "TTL"},
		{"negative leeway", func(c *Config) { c.Token.Leeway = -time.Second }, "Leeway"},
		{"large leeway", func(c *Config) { c.Token.Leeway = 3 * time.Minute }, "Leeway"},
		{"no cookie name", func(c *Config) { c.Token.CookieName = " " }, "CookieName"},
		{"negative threshold", func(c *Config) { c.Hammering.Threshold = -1 }, "Threshold"},
		{"zero window", func(c *Config) { c.Hammering.Window = 0 }, "Window"},
		{"negative cooldown", func(c *Config) { c.Hammering.Cooldown = -time.Second }, "Cooldown"},
		{"weak memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"zero time", func(c *Config) { c.Password.Time = 0 }, "Time"},
		{"zero parallelism", func(c *Config) { c.Password.Parallelism = 0 }, "Parallelism"},
		{"short salt", func(c *Config) { c.Password.SaltLength = 8 }, "SaltLength"},
		{"short key", func(c *Config) { c.Password.KeyLength = 8 }, "KeyLength"},
		{"sso without certificate", func(c *Config) { c.SSO.URL = "https://sso" }, "Certificate"},
		{"sso without authority", func(c *Config) {
			c.SSO.URL = "https://sso"
			c.SSO.Certificate = []byte("pem")
		}, "AuthorityCertificate"},
		{"negative sso timeout", func(c *Config) { c.SSO.Timeout = -time.Second }, "Timeout"},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, "BufferSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestZeroThresholdIsAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Hammering.Threshold = 0
	cfg.Hammering.Cooldown = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected zero threshold to validate: %v", err)
	}
}

func TestWithConfigCopiesCertificates(t *testing.T) {
	cfg := testConfig()
	cfg.SSO.Certificate = []byte("original")
	b := New().WithConfig(cfg)
	cfg.SSO.Certificate[0] = 'X'
	if string(b.config.SSO.Certificate) != "original" {
		t.Fatalf("builder config aliased caller slice: %q", b.config.SSO.Certificate)
	}
}

func TestBuildRequiresUsers(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected build without users to fail")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := New().WithConfig(testConfig()).WithUsers(testUsers())
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second build to fail")
	}
	if e.WorkerID() == "" {
		t.Fatal("expected generated worker id")
	}
	if e.CookieName() != "token" {
		t.Fatalf("unexpected cookie name %q", e.CookieName())
	}
}

func TestAuditEventsReachSink(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	sink := NewChannelSink(16)

	e, err := New().WithConfig(cfg).WithUsers(testUsers()).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, err = e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "bad"}, testClient)
	if !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("expected Wrong Credentials, got %v", err)
	}
	e.Close()

	select {
	case ev := <-sink.Events():
		if ev.EventType != auditEventAuthFailure || ev.Client != testClient || ev.Success {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Error != "Wrong Credentials" {
			t.Fatalf("audit must carry the surfaced error, got %q", ev.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("expected audit event")
	}
}

func TestMetricsDisabled(t *testing.T) {
	e := buildTestEngine(t, testConfig(), func(b *Builder) { b.WithMetricsEnabled(false) })
	_, _ = e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "test"}, testClient)
	if got := e.MetricsSnapshot().Counters[MetricAuthSuccess]; got != 0 {
		t.Fatalf("expected no counting with metrics disabled, got %d", got)
	}
}

func TestLatencyHistogram(t *testing.T) {
	e := buildTestEngine(t, testConfig(), func(b *Builder) { b.WithLatencyHistograms(true) })
	token, err := e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := e.Verify(context.Background(), token.SignedData, testClient); err != nil {
		t.Fatalf("verify: %v", err)
	}
	var total uint64
	for _, n := range e.MetricsSnapshot().Histograms[MetricVerifyLatency] {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected one latency sample, got %d", total)
	}
}
