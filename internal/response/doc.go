// Package response renders the HTTP/1.1 messages the redirector sends:
// a status line, Date, Content-Type and Content-Length headers, any extra
// headers such as Location, and a body streamed from a page asset chosen by
// status code.
package response
