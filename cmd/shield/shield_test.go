package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goShield "github.com/MrEthical07/goShield"
)

func TestStmBenchConverges(t *testing.T) {
	for _, backend := range []string{"pipe", "grpc", "redis"} {
		t.Run(backend, func(t *testing.T) {
			var out bytes.Buffer
			err := runBench(context.Background(), &benchOptions{workers: 4, increments: 25, backend: backend}, &out)
			if err != nil {
				t.Fatalf("bench: %v\n%s", err, out.String())
			}
			if !strings.Contains(out.String(), "counter=100 expected=100") {
				t.Fatalf("unexpected report:\n%s", out.String())
			}
		})
	}
}

func TestStmBenchRejectsUnknownBackend(t *testing.T) {
	err := runBench(context.Background(), &benchOptions{workers: 1, increments: 1, backend: "carrier-pigeon"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

const testConfigYAML = `
port: 9443
keys:
  password: secret-password
  cookie: secret-cookie
token:
  ttl: 24h
hammering:
  threshold: 0
  cooldown: 2s
users:
  alice:
    key: KEY
    roles: [admin]
apps:
  - name: wiki
    path: wiki
    url: http://127.0.0.1:8081
    access: admin
sso:
  url: https://sso.example.com/exchange
  certificate: certs/client.pem
  authority: certs/authority.pem
  baseUrl: https://sso.example.com
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "certs"), 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"client.pem", "authority.pem"} {
		if err := os.WriteFile(filepath.Join(dir, "certs", name), []byte("pem:"+name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfigYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.addr() != ":9443" || cfg.Workers <= 0 {
		t.Fatalf("unexpected listen settings %q workers=%d", cfg.addr(), cfg.Workers)
	}
	if u, ok := cfg.Users["alice"]; !ok || u.Key != "KEY" || len(u.Roles) != 1 {
		t.Fatalf("unexpected users %+v", cfg.Users)
	}
	if len(cfg.Apps) != 1 || cfg.Apps[0].Paths()[0] != "/wiki" || cfg.Apps[0].Access != "admin" {
		t.Fatalf("unexpected apps %+v", cfg.Apps)
	}

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if engineCfg.Token.TTL != 24*time.Hour || engineCfg.Token.CookieName != "token" {
		t.Fatalf("unexpected token config %+v", engineCfg.Token)
	}
	if engineCfg.Hammering.Threshold != 0 || engineCfg.Hammering.Cooldown != 2*time.Second || engineCfg.Hammering.Window != 30*time.Second {
		t.Fatalf("unexpected hammering config %+v", engineCfg.Hammering)
	}
	if string(engineCfg.SSO.Certificate) != "pem:client.pem" || string(engineCfg.SSO.AuthorityCertificate) != "pem:authority.pem" {
		t.Fatal("expected sso files resolved relative to the config")
	}
}

func TestLoadConfigRejects(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "login: telepathy\n")); err == nil {
		t.Fatal("expected unknown login to fail")
	}
	cfg, err := loadConfig(writeConfig(t, "port: 1\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.engineConfig(); err == nil {
		t.Fatal("expected missing password key to fail")
	}
}

func TestHashCommand(t *testing.T) {
	path := writeConfig(t, "keys:\n  password: secret-password\n")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash", "--config", path, "bob", "pw"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash: %v", err)
	}
	key := strings.TrimSpace(out.String())
	if key == "" {
		t.Fatal("expected a key")
	}

	cfg := goShield.DefaultConfig()
	cfg.Keys.Password = "secret-password"
	cfg.Keys.Cookie = "secret-cookie"
	e, err := goShield.New().WithConfig(cfg).WithUsers(goShield.StaticUsers{"bob": {Key: key}}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := e.AuthenticateCredentials(context.Background(), goShield.Credentials{Name: "bob", Pass: "pw"}, "127.0.0.1"); err != nil {
		t.Fatalf("generated key does not authenticate: %v", err)
	}
}
