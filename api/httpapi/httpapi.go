package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

type ErrorResponse struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail"`
	RequestID uuid.UUID `json:"requestId,omitempty"`
}

// StatusWriter wraps http.ResponseWriter to record the status code written
// and, once it is >=400, buffer the body so Logger can include it in the
// request's log line. Hijacked is set by handlers (e.g. a websocket
// upgrade) so Recover knows not to write an error body to an already
// hijacked connection.
type StatusWriter struct {
	http.ResponseWriter
	Status   int
	Hijacked bool
	body     bytes.Buffer
}

func (w *StatusWriter) WriteHeader(status int) {
	if w.Status == 0 {
		w.Status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusWriter) Write(p []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	if w.Status >= 400 {
		w.body.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

// ResponseBody returns what has been buffered of a >=400 response body.
func (w *StatusWriter) ResponseBody() []byte {
	return w.body.Bytes()
}

// Hijack implements http.Hijacker so handlers that need a raw connection
// (e.g. websocket upgrades) can still reach it through a StatusWriter.
func (w *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not support hijacking")
	}
	w.Hijacked = true
	return hijacker.Hijack()
}

// WriteBytes tries to write the provided bytes and errors if unable.
func WriteBytes(rw http.ResponseWriter, status int, bytes []byte) {
	rw.WriteHeader(status)
	_, err := rw.Write(bytes)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
}

// Write outputs a standardized format to an HTTP response body.
func Write(rw http.ResponseWriter, status int, response interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	err := enc.Encode(response)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	WriteBytes(rw, status, buf.Bytes())
}

const (
	ForwardedHeader       = "Forwarded"
	XForwardedHostHeader  = "X-Forwarded-Host"
	XForwardedProtoHeader = "X-Forwarded-Proto"
)

// RequestBaseURL returns the base URL of the request.  It prioritizes
// forwarded proxy headers.
func RequestBaseURL(r *http.Request, basePath string) url.URL {
	proto := ""
	host := ""

	// by=<identifier>;for=<identifier>;host=<host>;proto=<http|https>
	forwarded := strings.Split(r.Header.Get(ForwardedHeader), ";")
	for _, val := range forwarded {
		parts := strings.SplitN(val, "=", 2)
		switch strings.TrimSpace(parts[0]) {
		case "host":
			host = strings.TrimSpace(parts[1])
		case "proto":
			proto = strings.TrimSpace(parts[1])
		}
	}

	if proto == "" {
		proto = r.Header.Get(XForwardedProtoHeader)
	}
	if proto == "" {
		proto = "http"
	}

	if host == "" {
		host = r.Header.Get(XForwardedHostHeader)
	}
	if host == "" {
		host = r.Host
	}

	return url.URL{
		Scheme: proto,
		Host:   host,
		Path:   strings.TrimRight(basePath, "/"),
	}
}
