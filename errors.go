package goShield

import "errors"

var (
	// ErrWrongCredentials is the only error Authenticate surfaces for a rejected attempt.
	ErrWrongCredentials = errors.New("Wrong Credentials")
	// ErrMissingSignedData is returned by Verify for an empty token.
	ErrMissingSignedData = errors.New("Missing signed data")
	// ErrUnknownUser is returned by user providers for names without a record.
	ErrUnknownUser = errors.New("Unknown user")
	// ErrWrongPassword marks a password mismatch before it is collapsed into ErrWrongCredentials.
	ErrWrongPassword = errors.New("Wrong password for user")
	// ErrTokenInvalid is returned by Verify when no secret validates the token.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrMissingCertificate is returned by the certificate provider without a usable subject.
	ErrMissingCertificate = errors.New("missing client certificate")
	// ErrEngineNotReady is returned before Init has loaded the fleet keys.
	ErrEngineNotReady = errors.New("engine not initialized")
)

