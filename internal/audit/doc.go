// Package audit dispatches authentication events asynchronously to a sink.
//
// The Engine decides which events to emit. This package only buffers them and
// delivers them to a channel, a JSON writer, or a zerolog logger.
package audit
