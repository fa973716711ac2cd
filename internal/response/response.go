package response

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// BufferSize is the chunk size used to stream response bodies.
const BufferSize = 1024

const contentType = "text/html"

var (
	ErrUnknownStatus = errors.New("unknown status code")
	ErrMissingAsset  = errors.New("missing response asset")
)

//go:embed assets/*.html
var embedded embed.FS

var statusText = map[int]string{
	http.StatusOK:                      "OK",
	http.StatusMovedPermanently:        "Moved Permanently",
	http.StatusNotFound:                "Not Found",
	http.StatusNotImplemented:          "Method Not Implemented",
	http.StatusServiceUnavailable:      "Service Unavailable",
	http.StatusHTTPVersionNotSupported: "Version Not Supported",
}

// StatusText returns the reason phrase written for code, or "" when the code
// is not supported.
func StatusText(code int) string {
	return statusText[code]
}

// DefaultAssets returns the pages compiled into the binary.
func DefaultAssets() fs.FS {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}

// DirAssets serves pages from a directory on disk.
func DirAssets(dir string) fs.FS {
	return os.DirFS(dir)
}

// AssetName returns the file that holds the body for code.
func AssetName(code int) string {
	return strconv.Itoa(code) + ".html"
}

// Header is one response header line. Headers are written in slice order.
type Header struct {
	Name  string
	Value string
}

// Message is a fully prepared response. Its body is streamed from an asset
// when written.
type Message struct {
	StatusCode int
	Reason     string
	Headers    []Header

	body fs.File
	size int64
}

// Size returns the body length announced in Content-Length.
func (m *Message) Size() int64 {
	return m.size
}

// WriteTo writes the status line, headers and body to w, then closes the
// body. A Message can be written once.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	defer m.body.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", m.StatusCode, m.Reason)
	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	written, err := io.WriteString(w, b.String())
	total := int64(written)
	if err != nil {
		return total, err
	}

	buf := make([]byte, BufferSize)
	for {
		n, readErr := m.body.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// Writer renders redirect and error responses with bodies taken from an
// asset set keyed by status code.
type Writer struct {
	assets fs.FS
	now    func() time.Time
}

// NewWriter creates a Writer. A nil assets uses DefaultAssets.
func NewWriter(assets fs.FS) *Writer {
	if assets == nil {
		assets = DefaultAssets()
	}

	return &Writer{
		assets: assets,
		now:    time.Now,
	}
}

// WithClock returns a copy of w that stamps Date headers using now.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	return &Writer{assets: w.assets, now: now}
}

// Prepare builds the message for code. The caller must write it, which
// releases the body.
func (w *Writer) Prepare(code int, extra ...Header) (*Message, error) {
	reason := StatusText(code)
	if reason == "" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}

	body, err := w.assets.Open(AssetName(code))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingAsset, AssetName(code), err)
	}

	info, err := body.Stat()
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("stat %s: %w", AssetName(code), err)
	}

	headers := make([]Header, 0, 3+len(extra))
	headers = append(headers,
		Header{Name: "Date", Value: w.now().UTC().Format(http.TimeFormat)},
		Header{Name: "Content-Type", Value: contentType},
		Header{Name: "Content-Length", Value: strconv.FormatInt(info.Size(), 10)},
	)
	headers = append(headers, extra...)

	return &Message{
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
		body:       body,
		size:       info.Size(),
	}, nil
}

// Write renders the response for code directly to dst.
func (w *Writer) Write(dst io.Writer, code int, extra ...Header) error {
	msg, err := w.Prepare(code, extra...)
	if err != nil {
		return err
	}

	_, err = msg.WriteTo(dst)
	return err
}

// Redirect writes a 301 pointing at location.
func (w *Writer) Redirect(dst io.Writer, location string) error {
	return w.Write(dst, http.StatusMovedPermanently, Header{Name: "Location", Value: location})
}

// Error writes an error page for code.
func (w *Writer) Error(dst io.Writer, code int) error {
	return w.Write(dst, code)
}
