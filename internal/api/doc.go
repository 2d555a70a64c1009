// Package api serves the admin HTTP API for the scheduler: task CRUD and
// manual runs, market calendar, pause/resume, metrics, cleanup and a
// server-sent event stream of scheduler events.
package api
