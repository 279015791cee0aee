package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	goShield "github.com/MrEthical07/goShield"
)

type tokenContextKey struct{}

// TokenFromContext returns the token stored by one of the guards.
func TokenFromContext(ctx context.Context) (*goShield.Token, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(*goShield.Token)
	return token, ok && token != nil
}

// WithToken stores token in ctx.
func WithToken(ctx context.Context, token *goShield.Token) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// ClientIP returns the address the token is bound to: the host part of
// RemoteAddr. Put a trusted real-ip middleware in front when running behind
// another proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CookieAuth verifies the token cookie. A valid token is stored in the request
// context and the request goes straight to next. Otherwise a present cookie is
// cleared and the request is handed to login, which must authenticate it or
// answer it. A nil login answers 401.
func CookieAuth(engine *goShield.Engine, login func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fallback := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}))
		if login != nil {
			fallback = login(next)
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			cookie, err := r.Cookie(engine.CookieName())
			if err != nil || cookie.Value == "" {
				fallback.ServeHTTP(w, r)
				return
			}

			token, err := engine.Verify(r.Context(), cookie.Value, ClientIP(r))
			if err != nil {
				ClearTokenCookie(w, engine.CookieName())
				fallback.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

// CheckCookie is CookieAuth without a login step: requests without a valid
// token pass through anonymously.
func CheckCookie(engine *goShield.Engine) func(http.Handler) http.Handler {
	return CookieAuth(engine, func(next http.Handler) http.Handler { return next })
}

// SetTokenCookie stores token in an http-only secure cookie expiring with it.
func SetTokenCookie(w http.ResponseWriter, name string, token *goShield.Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token.SignedData,
		Path:     "/",
		Expires:  token.Expires(),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearTokenCookie expires the cookie name.
func ClearTokenCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
	})
}
