package wire

import (
	"bufio"
	"errors"
	"io"
)

// MaxLineLength is the longest request, status or header line accepted.
const MaxLineLength = 8 << 10

var ErrLineTooLong = errors.New("line too long")

// LineReader reads lines without ever buffering more than MaxLineLength
// bytes of a single line.
type LineReader struct {
	r *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, MaxLineLength)}
}

// ReadLine returns the next line without its "\r\n" or "\n". A final line
// without terminator is returned as is; io.EOF follows it.
func (l *LineReader) ReadLine() (string, error) {
	line, isPrefix, err := l.r.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

// Buffered exposes the underlying reader for bodies that follow the lines.
func (l *LineReader) Buffered() io.Reader {
	return l.r
}
