package middleware

import (
	"net/http"

	goShield "github.com/MrEthical07/goShield"
)

const basicRealm = `Basic realm="Shield"`

// BasicAuth logs in with HTTP basic credentials. On success the token cookie
// is set and the token stored in the request context. Missing or rejected
// credentials get 401 with a basic challenge. Challenges are never sent over
// plain connections.
func BasicAuth(engine *goShield.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, pass, ok := r.BasicAuth()
			if !ok {
				basicUnauthorized(w, r)
				return
			}

			token, err := engine.AuthenticateCredentials(r.Context(), goShield.Credentials{Name: name, Pass: pass}, ClientIP(r))
			if err != nil {
				basicUnauthorized(w, r)
				return
			}

			SetTokenCookie(w, engine.CookieName(), token)
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

func basicUnauthorized(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil {
		http.Error(w, "non encrypted connection", http.StatusInternalServerError)
		return
	}
	w.Header().Set("WWW-Authenticate", basicRealm)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// ClientCertAuth logs in with the verified TLS client certificate. The server
// must request client certificates (tls.VerifyClientCertIfGiven) with the
// trusted CA pool; unverified certificates are ignored.
func ClientCertAuth(engine *goShield.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil {
				http.Error(w, "non encrypted connection", http.StatusInternalServerError)
				return
			}
			if len(r.TLS.VerifiedChains) == 0 || len(r.TLS.PeerCertificates) == 0 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, err := engine.AuthenticateCertificate(r.Context(), r.TLS.PeerCertificates[0], ClientIP(r))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			SetTokenCookie(w, engine.CookieName(), token)
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}
