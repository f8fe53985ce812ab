package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is set on every response so a client can correlate a
// request with whatever ends up in the logs or an error body's RequestID
// field.
const RequestIDHeader = "X-Gallery-Request-ID"

type requestIDContextKey struct{}

// AttachRequestID stamps each request with a fresh UUID, before Logger or
// Recover run so both can attribute their output to it.
func AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := uuid.New()
		rw.Header().Set(RequestIDHeader, id.String())
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, id)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// RequestID returns the UUID AttachRequestID stamped on r, or the zero UUID
// if the middleware never ran.
func RequestID(r *http.Request) uuid.UUID {
	id, ok := r.Context().Value(requestIDContextKey{}).(uuid.UUID)
	if !ok {
		return uuid.UUID{}
	}
	return id
}
