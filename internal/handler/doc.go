// Package handler implements the per-connection request state machine.
// It reads one request line, discards the headers, validates method and
// version, and answers with a redirect to a backend drawn from the current
// distribution table or with an error page.
package handler
