// Package client is the Go client for the run API. It wraps the HTTP
// endpoints for submitting, inspecting and cancelling runs, and exposes the
// two live feeds as channel-based streams: result envelopes over
// server-sent events and log records over WebSocket.
//
// The CLI is its main consumer, but nothing in it is CLI-specific.
package client
