// Package goShield is the authentication core of a reverse-proxy gateway whose
// workers run as separate processes.
//
// The public surface is [Engine], built through [Builder]. An Engine issues
// client-bound tokens through pluggable credential providers, verifies them
// (SSO secret first, local secret second), slows down hammering clients, and
// coordinates its one-time key material with the rest of the fleet through the
// stm and queue packages.
//
// # Architecture boundaries
//
// Shared state lives behind [stm.Backend]: a coordinator-owned in-memory store
// reached over stm/stmgrpc, or Redis through stm/stmredis. The Engine never
// talks to other workers directly.
//
// Engine methods are safe for concurrent use after [Engine.Init].
package goShield
