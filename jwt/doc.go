// Package jwt issues and verifies the session tokens handed to clients and the
// short-lived RS256 assertions used during the SSO key exchange.
package jwt
