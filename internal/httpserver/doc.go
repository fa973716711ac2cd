// Package httpserver runs the listening side of the redirector: a serial TCP
// accept loop that gives up after an idle timeout, and a small net/http
// server for operator endpoints.
package httpserver
