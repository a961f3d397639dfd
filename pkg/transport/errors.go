package transport

import (
	"errors"
	"fmt"
)

// Transport failure kinds. Use errors.Is() to classify a dial error.
var (
	// ErrNetwork covers DNS failures, refused and unreachable hosts and
	// timeouts. It is transient and retried under the reconnection policy.
	ErrNetwork = errors.New("network error")

	// ErrSecurity covers certificate, trust material and handshake
	// failures. It is potentially persistent.
	ErrSecurity = errors.New("security error")
)

// DialError reports a failed attempt to open a broker connection.
type DialError struct {
	// Kind is ErrNetwork or ErrSecurity.
	Kind    error
	Address string
	Err     error
}

func (e *DialError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("transport: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %v dialing %s: %v", e.Kind, e.Address, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *DialError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func networkError(addr string, err error) error {
	return &DialError{Kind: ErrNetwork, Address: addr, Err: err}
}

func securityError(addr string, err error) error {
	return &DialError{Kind: ErrSecurity, Address: addr, Err: err}
}
