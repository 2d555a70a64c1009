// Package invoke provides scheduler Invokers.
//
// A target is "service.method". Registry dispatches to in-process handlers
// keyed by service; Exec runs a configured command per service with the call
// written to stdin as JSON. Mux combines several invokers by service.
package invoke
