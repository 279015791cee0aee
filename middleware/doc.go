// Package middleware adapts goShield.Engine to net/http.
//
// # Chain
//
// A protected route is wrapped as
//
//	CookieAuth(engine, BasicAuth(engine))  // or ClientCertAuth
//	RequireRole(role)
//
// [CookieAuth] accepts a valid token cookie and otherwise hands the request to
// the login step. [BasicAuth] and [ClientCertAuth] authenticate, set the cookie
// with [SetTokenCookie] and store the token in the context. [RequireRole] gates
// on the stored token.
//
// Tokens are bound to [ClientIP]. This package does not decide anything itself;
// every check is an Engine call.
package middleware
