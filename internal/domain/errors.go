package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimConflict means another ingestion path already owns the message.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrFormatOverflow means a paragraph had to be hard-split mid-word.
	ErrFormatOverflow = errors.New("format overflow")
	// ErrNoProvider means no transport is enabled for sending.
	ErrNoProvider = errors.New("no transport available")
	// ErrNotReady means a component was started before its dependency was initialized.
	ErrNotReady = errors.New("not ready")
	// ErrLoggedOut means the device-linked session was revoked and needs re-pairing.
	ErrLoggedOut = errors.New("device session logged out")
	// ErrPairingFailed means pairing-code issuance ran out of attempts.
	ErrPairingFailed = errors.New("pairing failed")
)

// TransportError reports an adapter that could not send or receive.
type TransportError struct {
	Transport Transport
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	name := string(e.Transport)
	if name == "" {
		name = "all"
	}
	return fmt.Sprintf("%s %s: %v", name, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AIBackendError reports a failed or timed-out generation.
type AIBackendError struct {
	Timeout bool
	Err     error
}

func (e *AIBackendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("ai backend timed out: %v", e.Err)
	}
	return fmt.Sprintf("ai backend: %v", e.Err)
}

func (e *AIBackendError) Unwrap() error { return e.Err }
