package isi

import "github.com/pkg/errors"

// The error kinds an engine operation can surface to its caller: five
// from spec.md §7, plus ErrBusy.
// Timeouts and partial protocol failures are recovered internally by the
// enrollment and acquisition state machines; these are only returned
// synchronously from the host-facing API.
var (
	// ErrEngineNotRunning is returned when an operation is attempted
	// before Start.
	ErrEngineNotRunning = errors.New("isi: engine not running")

	// ErrNoConnectionSpace is returned when the connection table or the
	// 255-slot CID serial space is exhausted.
	ErrNoConnectionSpace = errors.New("isi: no connection space")

	// ErrInvalidDomain is returned when a caller-provided domain id is
	// rejected.
	ErrInvalidDomain = errors.New("isi: invalid domain")

	// ErrInvalidParameter is returned when a subnet/node index or other
	// caller-supplied value is out of range.
	ErrInvalidParameter = errors.New("isi: invalid parameter")

	// ErrNotFound is returned by lookups that fail, e.g. a subnet/node
	// not present in the configured domain.
	ErrNotFound = errors.New("isi: not found")

	// ErrBusy is returned when an acquisition is started while another
	// is already in progress. A busy enrollment is reported as
	// ErrNoConnectionSpace instead.
	ErrBusy = errors.New("isi: operation already in progress")
)

// wrap attaches a call-site stack to a sentinel error so errors.Is still
// matches against the sentinel while logs keep the trace.
func wrap(sentinel error, msg string) error {
	return errors.Wrap(sentinel, msg)
}
