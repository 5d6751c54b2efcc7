package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/model"
)

var (
	// ErrNotFound means the tournament vanished or the id is invalid.
	// It is permanent: the key is skipped and not retried this run.
	ErrNotFound = eris.New("not found")

	// ErrAuthRequired means the source rejected the session.
	ErrAuthRequired = eris.New("authentication required")

	// ErrSourceFatal marks a failure that stops the whole source for the
	// rest of the run (e.g. re-authentication failed).
	ErrSourceFatal = eris.New("source unavailable for this run")
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// fatalAuthError satisfies errors.Is for both ErrAuthRequired and ErrSourceFatal.
type fatalAuthError struct {
	err error
}

func (e *fatalAuthError) Error() string {
	return "re-authentication failed: " + e.err.Error()
}

func (e *fatalAuthError) Unwrap() []error {
	return []error{e.err, ErrAuthRequired, ErrSourceFatal}
}

// FatalAuth marks an authentication failure as fatal for its source.
func FatalAuth(err error) error {
	if err == nil {
		err = ErrAuthRequired
	}
	return &fatalAuthError{err: err}
}

// FromHTTPStatus maps an unexpected HTTP status onto the error taxonomy.
func FromHTTPStatus(code int, body string) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return eris.Wrapf(ErrAuthRequired, "status %d", code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return eris.Wrapf(ErrNotFound, "status %d", code)
	case IsTransientHTTPStatus(code):
		return NewTransientError(eris.Errorf("unexpected response: %s", msg), code)
	default:
		return eris.Errorf("unexpected status %d: %s", code, msg)
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
		"context deadline exceeded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Kind names an error class for logs, summaries and persisted failures.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindAuthRequired Kind = "auth_required"
	KindNotFound     Kind = "not_found"
	KindStructural   Kind = "structural_invalid"
	KindPermanent    Kind = "permanent"
)

// KindOf classifies err into the taxonomy. Auth is checked first so a fatal
// auth failure is never mistaken for a retryable one.
func KindOf(err error) Kind {
	var se *model.StructuralError
	switch {
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &se):
		return KindStructural
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}
