// Package logx wraps zerolog for the scheduler daemon.
//
// Console output is human-readable (or JSON when Format is "json"), file
// output is always JSON, and warnings can be mirrored to a Telegram chat
// behind a min-level filter and a rate limiter.
package logx
