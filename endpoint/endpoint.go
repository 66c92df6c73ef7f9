// Package endpoint implements the sender/receiver handles that drive a
// queue.Queue: a precomputed slot cache, a private cursor, and the
// busy-spin enqueue/dequeue protocol described in §4.4/§4.5. Grounded on
// the feeder's shm.RingBuffer Push/Pop cursor handling, generalized to
// explicit release/acquire fencing and a role-checked API.
package endpoint

import (
	"fmt"
	"runtime"

	"github.com/raffino/dfshm/dfshmerr"
	"github.com/raffino/dfshm/queue"
	"github.com/raffino/dfshm/region"
)

// Role identifies which side of the ring an Endpoint drives. A queue
// has at most one of each, but nothing below enforces that globally —
// per §4.5 it is the caller's responsibility not to open two senders on
// the same queue.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Endpoint is process-local: its cursor and slot cache must never be
// shared across goroutines or processes (§4.5).
type Endpoint struct {
	role   Role
	queue  *queue.Queue
	region *region.Region
	cursor uint32
	slots  []queue.Slot
}

func open(role Role, q *queue.Queue, r *region.Region) (*Endpoint, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil queue", dfshmerr.ErrInvalidArgument)
	}
	if !q.Initialized() {
		return nil, fmt.Errorf("%w: queue is not initialized", dfshmerr.ErrInvalidState)
	}
	slots := make([]queue.Slot, q.MaxSlots)
	for i := uint32(0); i < q.MaxSlots; i++ {
		slots[i] = q.Slot(i)
	}
	if r != nil {
		r.AcquireEndpointRef()
	}
	return &Endpoint{role: role, queue: q, region: r, slots: slots}, nil
}

// OpenSender allocates a sender endpoint over q. r may be nil when the
// caller is driving a queue without a backing region.Region (e.g. a
// same-process unit test laying out a queue directly in a byte slice).
func OpenSender(q *queue.Queue, r *region.Region) (*Endpoint, error) {
	return open(RoleSender, q, r)
}

// OpenReceiver allocates a receiver endpoint over q.
func OpenReceiver(q *queue.Queue, r *region.Region) (*Endpoint, error) {
	return open(RoleReceiver, q, r)
}

// Close releases ep's region reference (if any) and its local slot
// cache. The queue itself is untouched (§4.5).
func (ep *Endpoint) Close() error {
	if ep.region != nil {
		ep.region.ReleaseEndpointRef()
		ep.region = nil
	}
	ep.slots = nil
	return nil
}

func (ep *Endpoint) requireRole(want Role) error {
	if ep.role != want {
		return fmt.Errorf("%w: endpoint is a %s, not a %s", dfshmerr.ErrInvalidArgument, ep.role, want)
	}
	return nil
}

func (ep *Endpoint) currentSlot() queue.Slot {
	return ep.slots[ep.cursor]
}

func (ep *Endpoint) advance() {
	ep.cursor = (ep.cursor + 1) % uint32(len(ep.slots))
}

// spinUntil busy-waits for cond to become true, yielding the processor
// between checks (§5: no condition variable, no futex — a Gosched is
// the idiomatic Go concession for endpoints sharing an OS thread with
// other goroutines, and is a no-op cost-wise once the other side is on
// a distinct OS thread/process).
func spinUntil(cond func() bool) {
	for !cond() {
		runtime.Gosched()
	}
}

// IsEnqueuePossible probes the next slot without blocking or changing
// any state.
func (ep *Endpoint) IsEnqueuePossible() (bool, error) {
	if err := ep.requireRole(RoleSender); err != nil {
		return false, err
	}
	return ep.currentSlot().LoadStatus() == queue.StatusEmpty, nil
}

// TryEnqueue enqueues buf without blocking. ok is false (and err nil)
// when the next slot is still full; callers must not treat that as an
// error.
func (ep *Endpoint) TryEnqueue(buf []byte) (ok bool, err error) {
	return ep.tryEnqueueVector([][]byte{buf})
}

// TryEnqueueVector is the gather-list form of TryEnqueue.
func (ep *Endpoint) TryEnqueueVector(segments [][]byte) (ok bool, err error) {
	return ep.tryEnqueueVector(segments)
}

func (ep *Endpoint) tryEnqueueVector(segments [][]byte) (bool, error) {
	if err := ep.requireRole(RoleSender); err != nil {
		return false, err
	}
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	if uintptr(total) > ep.queue.MaxPayload {
		return false, fmt.Errorf("%w: payload of %d bytes exceeds queue limit of %d", dfshmerr.ErrInvalidArgument, total, ep.queue.MaxPayload)
	}
	slot := ep.currentSlot()
	if slot.LoadStatus() != queue.StatusEmpty {
		return false, nil
	}
	payload := slot.Payload()
	off := 0
	for _, s := range segments {
		off += copy(payload[off:], s)
	}
	slot.StoreLength(uint32(total))
	slot.StoreStatusRelease(queue.StatusFull)
	ep.advance()
	return true, nil
}

// Enqueue blocks until the next slot is free, then enqueues buf.
func (ep *Endpoint) Enqueue(buf []byte) error {
	return ep.EnqueueVector([][]byte{buf})
}

// EnqueueVector blocks until the next slot is free, then enqueues the
// segments concatenated in order.
func (ep *Endpoint) EnqueueVector(segments [][]byte) error {
	if err := ep.requireRole(RoleSender); err != nil {
		return err
	}
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	if uintptr(total) > ep.queue.MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds queue limit of %d", dfshmerr.ErrInvalidArgument, total, ep.queue.MaxPayload)
	}
	slot := ep.currentSlot()
	spinUntil(func() bool { return slot.LoadStatus() == queue.StatusEmpty })
	payload := slot.Payload()
	off := 0
	for _, s := range segments {
		off += copy(payload[off:], s)
	}
	slot.StoreLength(uint32(total))
	slot.StoreStatusRelease(queue.StatusFull)
	ep.advance()
	return nil
}

// IsDequeuePossible probes the next slot without blocking or changing
// any state.
func (ep *Endpoint) IsDequeuePossible() (bool, error) {
	if err := ep.requireRole(RoleReceiver); err != nil {
		return false, err
	}
	return ep.currentSlot().LoadStatus() == queue.StatusFull, nil
}

// Dequeue blocks until the next slot is full, then hands back a
// read-only view of its payload. The returned slice aliases live shared
// memory: the caller must consume or copy it before calling Release
// (§8 property 5).
func (ep *Endpoint) Dequeue() (payload []byte, err error) {
	if err := ep.requireRole(RoleReceiver); err != nil {
		return nil, err
	}
	slot := ep.currentSlot()
	spinUntil(func() bool { return slot.LoadStatus() == queue.StatusFull })
	n := slot.LoadLength()
	return slot.Payload()[:n], nil
}

// TryDequeue is the non-blocking form of Dequeue. ok is false (and err
// nil, payload nil) when the next slot is still empty.
func (ep *Endpoint) TryDequeue() (payload []byte, ok bool, err error) {
	if err := ep.requireRole(RoleReceiver); err != nil {
		return nil, false, err
	}
	slot := ep.currentSlot()
	if slot.LoadStatus() != queue.StatusFull {
		return nil, false, nil
	}
	n := slot.LoadLength()
	return slot.Payload()[:n], true, nil
}

// Release returns the current slot to the sender: it zeroes the length
// field, stores status=EMPTY under a release barrier, and advances the
// cursor. It must be called exactly once per successful Dequeue/
// TryDequeue, after the caller is done with the returned payload slice.
func (ep *Endpoint) Release() error {
	if err := ep.requireRole(RoleReceiver); err != nil {
		return err
	}
	slot := ep.currentSlot()
	slot.StoreLength(0)
	slot.StoreStatusRelease(queue.StatusEmpty)
	ep.advance()
	return nil
}
