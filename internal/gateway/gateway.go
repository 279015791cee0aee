package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	goShield "github.com/MrEthical07/goShield"
	"github.com/MrEthical07/goShield/middleware"
)

// App is one protected application.
type App struct {
	Name string `yaml:"name" json:"name"`
	// Path and Alias are the mount points. At least one is required.
	Path  string `yaml:"path" json:"path,omitempty"`
	Alias string `yaml:"alias" json:"alias,omitempty"`
	// URL is the upstream the mount is proxied to.
	URL string `yaml:"url" json:"-"`
	// Access is the role required to reach the app. Empty means any user.
	Access string `yaml:"access" json:"-"`
}

// Paths returns the normalized mount points of a.
func (a App) Paths() []string {
	var out []string
	for _, p := range []string{a.Path, a.Alias} {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = append(out, strings.TrimSuffix(p, "/"))
	}
	return out
}

// Visible reports whether token may see a in the index.
func (a App) Visible(token *goShield.Token) bool {
	return a.Access == "" || token.HasRole(a.Access)
}

// Config assembles the gateway routes.
type Config struct {
	Apps []App
	// Login authenticates requests without a valid cookie. Defaults to
	// middleware.BasicAuth.
	Login func(http.Handler) http.Handler
	// Metrics, when set, is served at /metrics to users holding MetricsAccess.
	Metrics       http.Handler
	MetricsAccess string
	Logger        zerolog.Logger
}

var ErrNoMount = errors.New("app has no path")

// New returns the gateway router: every app is mounted under its paths behind
// the cookie check, its login step and its access gate, then proxied to its
// URL. The index at / lists the apps the caller may see.
func New(engine *goShield.Engine, cfg Config) (http.Handler, error) {
	login := cfg.Login
	if login == nil {
		login = middleware.BasicAuth(engine)
	}
	logger := cfg.Logger

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	for _, app := range cfg.Apps {
		paths := app.Paths()
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNoMount, app.Name)
		}
		proxy, err := newProxy(app, logger)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			h := mount(p, proxy)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CookieAuth(engine, login))
				r.Use(middleware.RequireRole(app.Access))
				r.Handle(p, h)
				r.Handle(p+"/*", h)
			})
			logger.Info().Str("app", app.Name).Str("path", p).Str("url", app.URL).Msg("mounted app")
		}
	}

	if cfg.Metrics != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.CookieAuth(engine, login))
			r.Use(middleware.RequireRole(cfg.MetricsAccess))
			r.Handle("/metrics", cfg.Metrics)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.CheckCookie(engine))
		r.Get("/", index(cfg.Apps))
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		})
	})

	return r, nil
}

type indexEntry struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

type indexPage struct {
	User string       `json:"user,omitempty"`
	Apps []indexEntry `json:"apps"`
}

func index(apps []App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := middleware.TokenFromContext(r.Context())
		page := indexPage{Apps: []indexEntry{}}
		if token != nil {
			page.User = token.User
		}
		for _, app := range apps {
			if app.Visible(token) {
				page.Apps = append(page.Apps, indexEntry{Name: app.Name, Paths: app.Paths()})
			}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func newProxy(app App, logger zerolog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(app.URL)
	if err != nil {
		return nil, fmt.Errorf("app %q url: %w", app.Name, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("app %q url %q must be absolute", app.Name, app.URL)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if token, ok := middleware.TokenFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set("X-Forwarded-User", token.User)
				prefix, _ := pr.In.Context().Value(prefixKey{}).(string)
				pr.Out.Header.Set("X-Forwarded-Prefix", token.BaseURL+prefix)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("app", app.Name).Str("path", r.URL.Path).Msg("upstream request failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad gateway"})
		},
	}, nil
}

type prefixKey struct{}

// mount strips prefix before proxying and remembers it for the upstream.
func mount(prefix string, proxy http.Handler) http.Handler {
	strip := http.StripPrefix(prefix, proxy)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		strip.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), prefixKey{}, prefix)))
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client", middleware.ClientIP(r)).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
