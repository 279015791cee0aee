// Package stm provides optimistic versioned key/value regions shared by a fleet of
// worker processes.
//
// A single coordinator owns the in-memory [Store]. Workers reach it through a [Client]
// that round-trips [Message] frames over a [Conn]. Both sides hand out the same
// [Region] interface, so callers pick a [Backend] once at startup and never branch on
// process role.
//
// Writes are compare-and-swap on a per-key version. A rejected write returns a
// [*ConflictError] carrying the current item; [Update] wraps the read-modify-write cycle
// and retries under a [RetryPolicy].
package stm
