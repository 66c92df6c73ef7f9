// Package queue implements the fixed-capacity SPSC ring: a header
// followed by N cache-line-aligned slots, laid out directly inside a
// caller-supplied shared region so both peers can open the same bytes
// independently. Grounded on the feeder's shm.RingBuffer header/slot
// split and on other_examples/363bceaa_rishavpaul-system-design's
// cache-line-padded ring slot, generalized from multi-producer cursors
// to this package's fixed single-producer/single-consumer contract.
package queue

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/raffino/dfshm/cacheline"
	"github.com/raffino/dfshm/dfshmerr"
)

// Status is a slot's occupancy state.
type Status uint32

const (
	StatusEmpty Status = iota
	StatusFull
)

// slotHeaderSize is sizeof(slotHeader): two uint32 atomics, 8 bytes.
const slotHeaderSize = 8

// slotHeader sits at the start of every slot: a status word the sender
// and receiver hand off under release/acquire, and the payload length
// the sender stores before flipping status to full.
type slotHeader struct {
	status atomic.Uint32
	length atomic.Uint32
}

// header is the fixed-size block at the base of the queue, padded to
// exactly one cache line so the first slot never shares a line with it.
type header struct {
	initialized atomic.Int32
	maxSlots    atomic.Uint32
	maxPayload  atomic.Uint64
	stride      atomic.Uint64
	footprint   atomic.Uint64
	_           [cacheline.Size - 32]byte
}

const headerSize = unsafe.Sizeof(header{})

// Queue is a handle onto an already-laid-out ring at Addr. Fields other
// than Addr are cached at Create/Open time rather than re-read on every
// access, mirroring the header's own "written once, read-only
// thereafter" contract (§4.4).
type Queue struct {
	Addr       uintptr
	MaxSlots   uint32
	MaxPayload uintptr
	Stride     uintptr
	Footprint  uintptr

	hdr *header
}

// CalculateSize returns the total byte footprint of a queue holding n
// slots of at most p payload bytes each: the header plus n times the
// slot stride, where the stride is the smallest multiple of the
// cache-line size at least as large as a slot header plus p bytes.
func CalculateSize(n uint32, p uintptr) uintptr {
	stride := slotStride(p)
	return headerSize + uintptr(n)*stride
}

func slotStride(p uintptr) uintptr {
	return cacheline.AlignUp(slotHeaderSize+p, cacheline.Size)
}

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr))
}

// Create lays out a fresh queue at addr, which must already be mapped
// for read/write and be cache-line aligned. Every slot status/length is
// zeroed, then the header fields, and the initialized flag is the very
// last store made visible (§4.4's ordering requirement).
func Create(addr uintptr, n uint32, p uintptr) (*Queue, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: queue base address must not be nil", dfshmerr.ErrInvalidArgument)
	}
	if !cacheline.IsAligned(addr, cacheline.Size) {
		return nil, fmt.Errorf("%w: queue base address must be cache-line aligned", dfshmerr.ErrInvalidArgument)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: slot count must be > 0", dfshmerr.ErrInvalidArgument)
	}

	stride := slotStride(p)
	footprint := CalculateSize(n, p)

	q := &Queue{
		Addr:       addr,
		MaxSlots:   n,
		MaxPayload: p,
		Stride:     stride,
		Footprint:  footprint,
		hdr:        headerAt(addr),
	}

	for i := uint32(0); i < n; i++ {
		s := q.Slot(i)
		s.sh.length.Store(0)
		s.sh.status.Store(uint32(StatusEmpty))
	}

	q.hdr.maxSlots.Store(n)
	q.hdr.maxPayload.Store(uint64(p))
	q.hdr.stride.Store(uint64(stride))
	q.hdr.footprint.Store(uint64(footprint))
	q.hdr.initialized.Store(1) // last store, per §4.4

	return q, nil
}

// Open attaches to a queue a peer has already created at addr, reading
// the header fields it needs and refusing to proceed if the
// initialized flag has not been observed set.
func Open(addr uintptr) (*Queue, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: queue base address must not be nil", dfshmerr.ErrInvalidArgument)
	}
	hdr := headerAt(addr)
	if hdr.initialized.Load() == 0 {
		return nil, fmt.Errorf("%w: queue is not initialized", dfshmerr.ErrInvalidState)
	}
	return &Queue{
		Addr:       addr,
		MaxSlots:   hdr.maxSlots.Load(),
		MaxPayload: uintptr(hdr.maxPayload.Load()),
		Stride:     uintptr(hdr.stride.Load()),
		Footprint:  uintptr(hdr.footprint.Load()),
		hdr:        hdr,
	}, nil
}

// Destroy flips the initialized flag back off. The underlying memory is
// not touched beyond that: the region it lives in is released
// separately via the region package.
func Destroy(q *Queue) error {
	if q == nil || q.hdr == nil {
		return fmt.Errorf("%w: nil queue", dfshmerr.ErrInvalidArgument)
	}
	q.hdr.initialized.Store(0)
	return nil
}

// Initialized reports whether the queue's initialized flag is
// currently set, re-checked live (rather than cached) since a peer may
// destroy the queue after this Queue handle was opened.
func (q *Queue) Initialized() bool {
	return q.hdr.initialized.Load() != 0
}

func (q *Queue) slotAddr(i uint32) uintptr {
	return q.Addr + headerSize + uintptr(i)*q.Stride
}

// Slot returns the Slot helper for index i. Slot indices are not bounds
// checked here; callers (the endpoint package) index only within
// [0, MaxSlots).
func (q *Queue) Slot(i uint32) Slot {
	addr := q.slotAddr(i)
	return Slot{
		sh:      (*slotHeader)(unsafe.Pointer(addr)),
		payload: unsafe.Slice((*byte)(unsafe.Pointer(addr+slotHeaderSize)), q.MaxPayload),
	}
}

// Slot is a thin view over one ring slot's status word, length word,
// and inline payload bytes.
type Slot struct {
	sh      *slotHeader
	payload []byte
}

func (s Slot) LoadStatus() Status {
	return Status(s.sh.status.Load())
}

func (s Slot) StoreStatusRelease(st Status) {
	s.sh.status.Store(uint32(st))
}

func (s Slot) LoadLength() uint32 {
	return s.sh.length.Load()
}

func (s Slot) StoreLength(n uint32) {
	s.sh.length.Store(n)
}

// Payload returns the full P-byte inline payload buffer. Callers slice
// it down to the stored length themselves.
func (s Slot) Payload() []byte {
	return s.payload
}
