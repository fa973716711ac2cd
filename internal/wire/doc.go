// Package wire reads the CRLF or LF terminated lines of a raw HTTP/1.1
// exchange with a cap on line length.
package wire
