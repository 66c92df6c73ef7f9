// Package region implements the Region Manager: a polymorphic façade
// over a single backend.Backend, tracking the regions this process has
// created separately from the regions it has attached to so finalize
// can apply the correct disposition (destroy vs. detach) without a
// per-region role check.
package region

import (
	"container/list"
	"sync/atomic"

	"github.com/raffino/dfshm/backend"
)

// UnknownPID is the creator-pid sentinel used when attaching a region
// whose originating process is not known to the caller.
const UnknownPID = -1

// Region describes one mapped byte range. It is owned by exactly one
// process (the creator); foreign peers hold only an attachment.
type Region struct {
	// Size is the size argument the region was created or attached
	// with, in bytes. It is not rounded: the backend maps a range
	// rounded up to page granularity, which may be larger than Size.
	Size uintptr
	// Addr is the starting address of the range in this process.
	Addr uintptr
	// CreatorPID is the local pid for self-created regions, the remote
	// pid for foreign-attached regions (or UnknownPID when not
	// supplied), per §3's data model.
	CreatorPID int

	state   backend.State
	manager *Manager
	elem    *list.Element // O(1) removal from manager's created/foreign list

	// endpointRefs resolves Open Question 4 (§9): endpoints must close
	// before the region they live in is destroyed or detached.
	endpointRefs int32
}

// AcquireEndpointRef is called by endpoint.OpenSender/OpenReceiver. It is
// exported so the endpoint package, which imports region, can
// participate in the same ownership discipline; ordinary callers never
// call it directly.
func (r *Region) AcquireEndpointRef() {
	atomic.AddInt32(&r.endpointRefs, 1)
}

// ReleaseEndpointRef is called by endpoint.Close.
func (r *Region) ReleaseEndpointRef() {
	atomic.AddInt32(&r.endpointRefs, -1)
}

func (r *Region) openEndpointCount() int32 {
	return atomic.LoadInt32(&r.endpointRefs)
}

// IsCreator reports whether this process created the region (as opposed
// to having attached to a peer's region).
func (r *Region) IsCreator(selfPID int) bool {
	return r.CreatorPID == selfPID
}
