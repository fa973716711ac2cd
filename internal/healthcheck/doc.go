// Package healthcheck measures backend latency and liveness.
//
// Every address is probed once per cycle, sequentially, over a fresh TCP
// connection: a plain HTTP/1.1 GET for a well-known test resource is sent,
// the status line and headers are read, and exactly Content-Length bytes of
// body are drained. The elapsed time from dial to drain is the latency.
//
// A backend that refuses the connection is recorded as unreachable. A backend
// that accepts the connection but does not answer 200 is misbehaving; by
// default this aborts the whole probe phase.
package healthcheck
