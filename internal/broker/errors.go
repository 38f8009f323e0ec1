package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a key request failed
type ErrorKind string

const (
	MalformedRequest          ErrorKind = "MalformedRequest"
	CacheReadFailure          ErrorKind = "CacheReadFailure"
	CertificateUnavailable    ErrorKind = "CertificateUnavailable"
	MessageConstructionFailed ErrorKind = "MessageConstructionFailed"
	LicenseExchangeFailed     ErrorKind = "LicenseExchangeFailed"
	NoDataRequestPresent      ErrorKind = "NoDataRequestPresent"
	Cancelled                 ErrorKind = "Cancelled"
)

// ErrorKinds lists every kind in a stable order
var ErrorKinds = []ErrorKind{
	MalformedRequest,
	CacheReadFailure,
	CertificateUnavailable,
	MessageConstructionFailed,
	LicenseExchangeFailed,
	NoDataRequestPresent,
	Cancelled,
}

// ParseErrorKind returns the kind named s
func ParseErrorKind(s string) (ErrorKind, bool) {
	for _, k := range ErrorKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// KeyError is the failure delivered to a request's completion sink
type KeyError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Sentinels for errors.Is. A KeyError matches the sentinel of its kind.
var (
	ErrMalformedRequest          = &KeyError{Kind: MalformedRequest}
	ErrCacheReadFailure          = &KeyError{Kind: CacheReadFailure}
	ErrCertificateUnavailable    = &KeyError{Kind: CertificateUnavailable}
	ErrMessageConstructionFailed = &KeyError{Kind: MessageConstructionFailed}
	ErrLicenseExchangeFailed     = &KeyError{Kind: LicenseExchangeFailed}
	ErrNoDataRequestPresent      = &KeyError{Kind: NoDataRequestPresent}
	ErrCancelled                 = &KeyError{Kind: Cancelled}
)

// NewKeyError creates a KeyError
func NewKeyError(kind ErrorKind, detail string, err error) *KeyError {
	return &KeyError{Kind: kind, Detail: detail, Err: err}
}

func (e *KeyError) Error() string {
	msg := "key request failed: " + string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Is matches another KeyError of the same kind that carries no detail
func (e *KeyError) Is(target error) bool {
	t, ok := target.(*KeyError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// Reason returns the detail and cause as one string for the host
func (e *KeyError) Reason() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Detail
	}
}

// AsKeyError extracts a *KeyError from err
func AsKeyError(err error) (*KeyError, bool) {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}
