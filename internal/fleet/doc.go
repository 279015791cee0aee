// Package fleet runs the worker processes of a gateway.
//
// The parent process owns the STM coordinator and a [Supervisor] that keeps
// Config.Workers processes alive. Worker output is forwarded through the
// parent logger tagged with the worker id, so it stays line-serialized. After
// every exit the OnExit hook reconciles shared state (usually
// Coordinator.WorkerExited, which purges the worker from every queue) before
// a replacement starts. Workers share the listen address through [Listen].
package fleet
