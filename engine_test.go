package goShield

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/goShield/jwt"
	"github.com/MrEthical07/goShield/sso"
	"github.com/MrEthical07/goShield/stm"
)

// storedTestKey is the encrypted argon2i hash of password "test" for user
// "test" under password secret "secret-password".
const storedTestKey = "WgnRQlohr6EOVWFy/8+sFJuaLmoiO9rqHz8QKTWbPGj9Z0oNzH1GGR89JmxFuedspJ8cfHffRPUK+6QuRelrqLsvWkKYws4rhscmurzko0o2mHycmjJCtKLA8p9ei94o"

const testClient = "192.168.5.20"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Keys = KeysConfig{Password: "secret-password", Cookie: "secret-cookie"}
	cfg.Hammering.Cooldown = 100 * time.Millisecond
	cfg.Password = PasswordConfig{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}
	cfg.SSO.BaseURL = "https://sso.example.com"
	return cfg
}

func testUsers() StaticUsers {
	return StaticUsers{
		"test": {Key: storedTestKey, Roles: []string{"admin", "dev"}},
	}
}

func buildTestEngine(t *testing.T, cfg Config, configure func(*Builder)) *Engine {
	t.Helper()
	b := New().WithConfig(cfg).WithUsers(testUsers())
	if configure != nil {
		configure(b)
	}
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(e.Close)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return e
}

func TestAuthenticateAndVerify(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	token, err := e.AuthenticateCredentials(ctx, Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.User != "test" {
		t.Fatalf("expected user test, got %q", token.User)
	}
	if !token.HasRole("admin") || token.HasRole("root") {
		t.Fatalf("unexpected roles %v", token.Roles)
	}
	if token.IsExternal || token.BaseURL != "" {
		t.Fatalf("local token must not be external: %+v", token)
	}
	wantExp := time.Now().Add(90 * 24 * time.Hour).Unix()
	if d := token.Exp - wantExp; d < -5 || d > 5 {
		t.Fatalf("expected 90 day expiry, got %d (want about %d)", token.Exp, wantExp)
	}

	verified, err := e.Verify(ctx, token.SignedData, testClient)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.User != token.User || strings.Join(verified.Roles, ",") != "admin,dev" {
		t.Fatalf("verified token mismatch: %+v", verified)
	}

	if _, err := e.Verify(ctx, token.SignedData, "192.168.5.21"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected token from other client to fail, got %v", err)
	}
}

func TestWrongPasswordSurfacesWrongCredentials(t *testing.T) {
	logs := &syncBuffer{}
	e := buildTestEngine(t, testConfig(), func(b *Builder) {
		b.WithLogger(zerolog.New(logs))
	})

	_, err := e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "nope"}, testClient)
	if !errors.Is(err, ErrWrongCredentials) || err.Error() != "Wrong Credentials" {
		t.Fatalf("expected Wrong Credentials, got %v", err)
	}
	if !strings.Contains(logs.String(), "Wrong password for user [test]") {
		t.Fatalf("expected cause in logs, got %s", logs.String())
	}

	_, err = e.AuthenticateCredentials(context.Background(), Credentials{Name: "nobody", Pass: "x"}, testClient)
	if !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("expected Wrong Credentials for unknown user, got %v", err)
	}
	if !strings.Contains(logs.String(), "Unknown user [nobody]") {
		t.Fatalf("expected unknown user in logs, got %s", logs.String())
	}

	_, err = e.AuthenticateCredentials(context.Background(), Credentials{Name: "test"}, testClient)
	if !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("expected Wrong Credentials for missing password, got %v", err)
	}
}

func TestHammeringDelaysBothOutcomes(t *testing.T) {
	cfg := testConfig()
	e := buildTestEngine(t, cfg, nil)
	ctx := context.Background()
	wrong := Credentials{Name: "test"}

	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := e.AuthenticateCredentials(ctx, wrong, testClient); !errors.Is(err, ErrWrongCredentials) {
			t.Fatalf("attempt %d: expected Wrong Credentials, got %v", i, err)
		}
	}
	token, err := e.AuthenticateCredentials(ctx, Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("expected success after hammering, got %v", err)
	}
	if token.User != "test" {
		t.Fatalf("unexpected user %q", token.User)
	}
	if elapsed := time.Since(start); elapsed < 2*cfg.Hammering.Cooldown {
		t.Fatalf("expected at least two cooldowns, took %v", elapsed)
	}
	if got := e.MetricsSnapshot().Counters[MetricHammeringDelay]; got != 2 {
		t.Fatalf("expected 2 hammering delays, got %d", got)
	}

	if err := e.ClearHammering(ctx, testClient); err != nil {
		t.Fatalf("clear: %v", err)
	}
	start = time.Now()
	_, _ = e.AuthenticateCredentials(ctx, wrong, testClient)
	if elapsed := time.Since(start); elapsed >= cfg.Hammering.Cooldown {
		t.Fatalf("expected no delay after clear, took %v", elapsed)
	}
}

func TestVerifyMissingSignedData(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	_, err := e.Verify(context.Background(), "", testClient)
	if !errors.Is(err, ErrMissingSignedData) || err.Error() != "Missing signed data" {
		t.Fatalf("expected Missing signed data, got %v", err)
	}
}

func TestVerifyBeforeInit(t *testing.T) {
	e, err := New().WithConfig(testConfig()).WithUsers(testUsers()).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if _, err := e.Verify(context.Background(), "x.y.z", testClient); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestVerifyUnknownUserAfterSignature(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	keys := e.keys.Load()
	m, _ := jwt.NewManager(jwt.Config{})
	signed, _, err := m.Sign("ghost", false, clientSecret(keys.cookie, testClient))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := e.Verify(context.Background(), signed, testClient); !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("expected Wrong Credentials, got %v", err)
	}
}

func TestSSOTokenVerifiesWithDummyKey(t *testing.T) {
	dummyKey := sso.NormalizeKey([]byte("dummy-sso-key"))
	e := buildTestEngine(t, testConfig(), func(b *Builder) {
		b.WithSSOExchange(func(context.Context) (string, error) { return dummyKey, nil })
	})
	if !e.SSOEnabled() {
		t.Fatal("expected SSO to be enabled")
	}

	m, _ := jwt.NewManager(jwt.Config{TTL: 10 * time.Second})
	signed, _, err := m.Sign("federated", true, []byte(dummyKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	token, err := e.Verify(context.Background(), signed, testClient)
	if err != nil {
		t.Fatalf("verify sso token: %v", err)
	}
	if !token.IsExternal || token.BaseURL != "https://sso.example.com" {
		t.Fatalf("expected external token with sso base url, got %+v", token)
	}
	if token.User != "federated" || len(token.Roles) != 0 {
		t.Fatalf("expected stub user without roles, got %+v", token)
	}

	local, err := e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	verified, err := e.Verify(context.Background(), local.SignedData, testClient)
	if err != nil {
		t.Fatalf("local token must fall back to local secret: %v", err)
	}
	if verified.IsExternal {
		t.Fatal("local token must not be marked external")
	}
	if got := e.MetricsSnapshot().Counters[MetricVerifySSO]; got != 1 {
		t.Fatalf("expected 1 sso verification, got %d", got)
	}
}

func TestSSOExchangeFailureDegrades(t *testing.T) {
	logs := &syncBuffer{}
	e := buildTestEngine(t, testConfig(), func(b *Builder) {
		b.WithLogger(zerolog.New(logs))
		b.WithSSOExchange(func(context.Context) (string, error) { return "", errors.New("authority down") })
	})
	if e.SSOEnabled() {
		t.Fatal("expected SSO to be disabled after a failed exchange")
	}
	if !strings.Contains(logs.String(), "authority down") {
		t.Fatalf("expected exchange failure in logs, got %s", logs.String())
	}
	if got := e.MetricsSnapshot().Counters[MetricSSOExchangeFailure]; got != 1 {
		t.Fatalf("expected 1 exchange failure, got %d", got)
	}

	token, err := e.AuthenticateCredentials(context.Background(), Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := e.Verify(context.Background(), token.SignedData, testClient); err != nil {
		t.Fatalf("local verification must work without SSO: %v", err)
	}
}

func TestSSOExchangeAgainstAuthority(t *testing.T) {
	clientKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	authorityKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	authority := sso.NewAuthority(authorityKey, &clientKey.PublicKey, zerolog.Nop())
	srv := httptest.NewServer(authority)
	defer srv.Close()

	cfg := testConfig()
	cfg.SSO.URL = srv.URL
	cfg.SSO.Certificate = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(clientKey)})
	cfg.SSO.AuthorityCertificate = selfSignedPEM(t, authorityKey, "authority")
	e := buildTestEngine(t, cfg, nil)

	if !e.SSOEnabled() {
		t.Fatal("expected SSO to be enabled")
	}
	m, _ := jwt.NewManager(jwt.Config{})
	signed, _, err := m.Sign("federated", true, []byte(authority.Secret()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	token, err := e.Verify(context.Background(), signed, testClient)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !token.IsExternal {
		t.Fatal("expected external token")
	}
}

func TestCertificateProviderIssuesTrustedToken(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	token, err := e.AuthenticateCertificate(ctx, &x509.Certificate{Subject: pkix.Name{CommonName: "device-7"}}, testClient)
	if err != nil {
		t.Fatalf("authenticate certificate: %v", err)
	}
	if token.User != "device-7" || len(token.Roles) != 0 {
		t.Fatalf("unexpected token %+v", token)
	}
	if _, err := e.Verify(ctx, token.SignedData, testClient); err != nil {
		t.Fatalf("certificate token must verify with a stub user: %v", err)
	}

	known, err := e.AuthenticateCertificate(ctx, &x509.Certificate{Subject: pkix.Name{CommonName: "test"}}, testClient)
	if err != nil {
		t.Fatalf("authenticate known certificate: %v", err)
	}
	if !known.HasRole("admin") {
		t.Fatalf("expected local roles for known subject, got %v", known.Roles)
	}

	if _, err := e.AuthenticateCertificate(ctx, nil, testClient); !errors.Is(err, ErrWrongCredentials) {
		t.Fatalf("expected Wrong Credentials without certificate, got %v", err)
	}
}

func TestGenerateAuthHashRoundTrip(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	key, err := e.GenerateAuthHash(Credentials{Name: "alice", Pass: "s3cret"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	users := StaticUsers{"alice": {Key: key, Roles: []string{"ops"}}}
	e2, err := New().WithConfig(testConfig()).WithUsers(users).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e2.Close()
	if err := e2.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	token, err := e2.AuthenticateCredentials(context.Background(), Credentials{Name: "alice", Pass: "s3cret"}, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !token.HasRole("ops") {
		t.Fatalf("expected ops role, got %v", token.Roles)
	}
}

func TestFleetSharesGeneratedKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	coord := stm.NewCoordinator(stm.NewStore())
	var serveWG sync.WaitGroup
	defer func() {
		cancel()
		serveWG.Wait()
		_ = coord.Close()
	}()

	cfg := testConfig()
	cfg.Keys.Cookie = ""
	var exchanges atomic.Int32

	engines := make([]*Engine, 3)
	for i := range engines {
		id := fmt.Sprintf("w%d", i)
		workerEnd, coordEnd := stm.NewPipe()
		serveWG.Add(1)
		go func() {
			defer serveWG.Done()
			_ = coord.Serve(ctx, id, coordEnd)
		}()
		client := stm.NewClient(id, workerEnd)
		defer client.Close()

		e, err := New().WithConfig(cfg).WithUsers(testUsers()).WithBackend(client).WithWorkerID(id).
			WithSSOExchange(func(context.Context) (string, error) {
				exchanges.Add(1)
				return "fleet-sso-secret", nil
			}).Build()
		if err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
		defer e.Close()
		engines[i] = e
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(engines))
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			errs <- e.Init(ctx)
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected exactly one SSO exchange in the fleet, got %d", got)
	}

	token, err := engines[0].AuthenticateCredentials(ctx, Credentials{Name: "test", Pass: "test"}, testClient)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	for i, e := range engines[1:] {
		if _, err := e.Verify(ctx, token.SignedData, testClient); err != nil {
			t.Fatalf("engine %d could not verify token issued by engine 0: %v", i+1, err)
		}
	}
}

func TestExecuteOnceComputesOnce(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := ExecuteOnce(context.Background(), e, "answer", func(context.Context) (int, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("unexpected result %d err=%v", v, err)
			}
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one computation, got %d", got)
	}
}

func TestHasRole(t *testing.T) {
	token := &Token{Roles: []string{"admin"}}
	if !token.HasRole("") {
		t.Fatal("empty requirement must pass")
	}
	if !token.HasRole("admin") || token.HasRole("dev") {
		t.Fatal("unexpected role result")
	}
	var none *Token
	if !none.HasRole("") || none.HasRole("admin") {
		t.Fatal("nil token must only pass the empty requirement")
	}
}

func TestClientSecretBindsAddress(t *testing.T) {
	key := []byte{0xeb, 0xc0}
	if got := clientSecret(key, "192.168.5.20"); !bytes.Equal(got, []byte{0xeb, 0xc0, 192, 168, 5, 20}) {
		t.Fatalf("unexpected ipv4 secret %v", got)
	}
	if got := clientSecret(key, "::ffff:10.0.0.1"); !bytes.Equal(got, []byte{0xeb, 0xc0, 10, 0, 0, 1}) {
		t.Fatalf("unexpected mapped secret %v", got)
	}
	if got := clientSecret(key, "::1"); len(got) != 2+16 {
		t.Fatalf("expected ipv6 octets, got %v", got)
	}
	if got := clientSecret(key, "client-a"); !bytes.Equal(got[2:], []byte("client-a")) {
		t.Fatalf("unexpected raw secret %v", got)
	}
}

func TestDecodeKey(t *testing.T) {
	if got := decodeKey("ebc0"); !bytes.Equal(got, []byte{0xeb, 0xc0}) {
		t.Fatalf("expected hex decode, got %v", got)
	}
	if got := decodeKey("secret-cookie"); string(got) != "secret-cookie" {
		t.Fatalf("expected raw fallback, got %v", got)
	}
}

func selfSignedPEM(t *testing.T, key *rsa.PrivateKey, cn string) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
