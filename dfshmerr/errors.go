// Package dfshmerr defines the error taxonomy shared by every dfshm
// package: backend, region, queue, and endpoint all return these
// sentinels (wrapped with context via fmt.Errorf's %w) instead of ad-hoc
// error strings, so callers can branch with errors.Is regardless of which
// layer produced the failure.
package dfshmerr

import "errors"

var (
	// ErrResourceExhausted covers allocation failures, OS refusals to
	// create a segment, and mapping failures.
	ErrResourceExhausted = errors.New("dfshm: resource exhausted")

	// ErrInvalidArgument covers zero size, nil queue base, role
	// mismatch at endpoint use, and oversize payloads.
	ErrInvalidArgument = errors.New("dfshm: invalid argument")

	// ErrInvalidState covers operating on an uninitialized manager or
	// queue, or destroying/detaching a region still holding open
	// endpoints.
	ErrInvalidState = errors.New("dfshm: invalid state")

	// ErrCleanupAnomaly covers an unmap or unlink failure encountered
	// during destroy/detach. The handle is freed regardless; the OS
	// object may leak.
	ErrCleanupAnomaly = errors.New("dfshm: cleanup anomaly")
)

// PlacementWarning records that a caller-supplied hint address was not
// honored, or was not page-aligned to begin with. It is never returned
// as an error — the operation that produced it already succeeded — so
// callers that care log it instead of checking it with errors.Is.
type PlacementWarning struct {
	Hint     uintptr
	Actual   uintptr
	Misalign bool
}

func (w *PlacementWarning) String() string {
	if w.Misalign {
		return "dfshm: hint address was not page-aligned"
	}
	return "dfshm: mapped address differs from hint"
}
