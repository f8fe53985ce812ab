// Package errs defines the error kinds shared across the synchronizer and
// the gallery API so that each side can react to a failure by its kind
// instead of inspecting error strings.
package errs

import (
	"errors"

	"golang.org/x/xerrors"
)

// Kind classifies an error the way spec section 7 does.
type Kind int

const (
	KindUnknown Kind = iota
	KindUpstreamUnavailable
	KindUpstreamMalformedResponse
	KindAssetIntegrityMismatch
	KindStoreIO
	KindConfigurationInvalid
	KindRequestMalformed
	KindNotFound
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamUnavailable:
		return "upstream unavailable"
	case KindUpstreamMalformedResponse:
		return "upstream malformed response"
	case KindAssetIntegrityMismatch:
		return "asset integrity mismatch"
	case KindStoreIO:
		return "store i/o"
	case KindConfigurationInvalid:
		return "configuration invalid"
	case KindRequestMalformed:
		return "request malformed"
	case KindNotFound:
		return "not found"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// kindError pairs a Kind with a wrapped cause so Kind(err) can recover it
// through any number of %w wraps.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() error {
	return e.err
}

// New creates an error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap creates an error of the given kind that wraps err. If err is nil,
// Wrap returns nil so call sites can use it the way they would xerrors.Errorf.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, err: err}
}

// Wrapf is Wrap with fmt-style formatting of msg, grounded on the teacher's
// pervasive use of xerrors.Errorf for wrapping.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: xerrors.Errorf(format, args...).Error(), err: err}
}

// Kind walks the error chain looking for a *kindError and returns its kind,
// or KindUnknown if none is found.
func Kind(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is reports whether err (or something it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	return Kind(err) == kind
}
