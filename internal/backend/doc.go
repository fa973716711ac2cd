// Package backend describes the servers that clients are redirected to.
// An Endpoint is produced once per probe cycle and never changes afterwards:
// it is either measured, carrying the latency of its probe exchange, or
// unreachable.
package backend
