/*
Package api implements the HTTP control-plane surface of mindloom.

The server exposes run submission, inspection and cancellation as plain
JSON endpoints, and live run output through two streaming gateways: an
SSE endpoint for result chunks and a WebSocket endpoint for log lines.

# Endpoints

Versioned under /api/v1, bearer-token authenticated:

	POST /api/v1/runs                 submit a run (201, record pending or running)
	GET  /api/v1/runs                 list runs, filters: runnable_id, status
	GET  /api/v1/runs/{id}            fetch one run
	POST /api/v1/runs/{id}/cancel     cancel; terminal runs are a no-op 200
	GET  /api/v1/runs/{id}/stream     SSE result stream
	GET  /api/v1/ws/runs/{id}/logs    WebSocket log stream

Unauthenticated operational surface:

	GET /healthz     liveness
	GET /readyz      readiness of store, bus and scheduler
	GET /metrics     prometheus

Errors are JSON bodies with a stable kind: {"error":{"kind":"not_found",
"message":"run not found"}}. WebSocket clients that cannot set headers
pass the token as ?access_token= instead.

# Streaming

Both gateways follow the same discipline. The bus subscription is taken
before the run's status is read, so a worker finishing in between cannot
slip its final messages past the connection; a run that is already
terminal gets a synthetic tail rebuilt from the stored record (results)
or an immediate normal closure (logs, which are not replayed).

Between the bus and each client sits a small bounded queue. A client that
cannot keep up is disconnected, with a best-effort
{"kind":"end","error":"client overflow"} event on SSE and close code 1008
on WebSocket, so one slow consumer never stalls the others. Disconnecting
a stream never cancels the run.

# Shutdown

Run serves until its context is cancelled, then closes the streaming
connections and drains the rest within the configured timeout. WebSocket
connections are hijacked from the HTTP server and are told to close
through the same signal, otherwise they would outlive the drain.
*/
package api
