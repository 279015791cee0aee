// Package limiters slows down clients that keep failing authentication.
//
// [AntiHammering] keeps one {count, timestamp} entry per client in an STM
// region, so every worker of a fleet sees the same counts. Once a client
// exceeds the threshold inside the window, each further outcome, success or
// failure, is delayed by the cooldown before it is returned.
package limiters
