package region

import (
	"container/list"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/raffino/dfshm/backend"
	"github.com/raffino/dfshm/contact"
	"github.com/raffino/dfshm/dfshmerr"
)

// Manager is a polymorphic façade over a single backend.Backend chosen
// at construction and never switched, per the design note on
// backend selection.
type Manager struct {
	mu          sync.Mutex
	be          backend.Backend
	variant     backend.Variant
	selfPID     int
	created     *list.List // of *Region, owned by this process
	foreign     *list.List // of *Region, attached from a peer
	initialized bool
}

// Init selects one compiled-in backend, runs its Init, and returns a
// Manager with empty created/foreign lists.
func Init(variant backend.Variant, cfg backend.Config) (*Manager, error) {
	be, err := backend.New(variant)
	if err != nil {
		return nil, err
	}
	if err := be.Init(cfg); err != nil {
		return nil, err
	}
	return &Manager{
		be:          be,
		variant:     variant,
		selfPID:     os.Getpid(),
		created:     list.New(),
		foreign:     list.New(),
		initialized: true,
	}, nil
}

func (m *Manager) requireInitialized() error {
	if !m.initialized {
		return fmt.Errorf("%w: region manager not initialized", dfshmerr.ErrInvalidState)
	}
	return nil
}

// Create delegates to the backend, prepends the new Region to the
// created list, sets CreatorPID to the local pid, and increments the
// created counter (the list length itself, per §4.2).
func (m *Manager) Create(size uintptr, hint uintptr) (*Region, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	st, addr, warn, err := m.be.CreateRegion(size, hint)
	if err != nil {
		return nil, err
	}
	logPlacementWarning(warn)
	r := &Region{Size: size, Addr: addr, CreatorPID: m.selfPID, state: st, manager: m}
	m.mu.Lock()
	r.elem = m.created.PushFront(r)
	m.mu.Unlock()
	return r, nil
}

// CreateNamed is Create routed through the backend's named variant.
func (m *Manager) CreateNamed(name string, size uintptr, hint uintptr) (*Region, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	st, addr, warn, err := m.be.CreateNamedRegion(name, size, hint)
	if err != nil {
		return nil, err
	}
	logPlacementWarning(warn)
	r := &Region{Size: size, Addr: addr, CreatorPID: m.selfPID, state: st, manager: m}
	m.mu.Lock()
	r.elem = m.created.PushFront(r)
	m.mu.Unlock()
	return r, nil
}

// Contact serializes enough information for a peer to locate and size r.
func (m *Manager) Contact(r *Region) ([]byte, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.be.RegionContact(r.state)
}

// Attach opens the shared object identified by token, prepends it to the
// foreign list, and sets CreatorPID to peerPID (or UnknownPID).
func (m *Manager) Attach(peerPID int, token []byte, size uintptr, hint uintptr) (*Region, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	st, addr, warn, err := m.be.AttachRegion(token, size, hint)
	if err != nil {
		return nil, err
	}
	logPlacementWarning(warn)
	r := &Region{Size: size, Addr: addr, CreatorPID: peerPID, state: st, manager: m}
	m.mu.Lock()
	r.elem = m.foreign.PushFront(r)
	m.mu.Unlock()
	return r, nil
}

// AttachNamed attaches directly by the caller-supplied identity used at
// CreateNamed time (a path for file-mapping/POSIX-named, a decimal key
// for SysV), building the equivalent contact token internally so callers
// that already know the name don't need to round-trip through Contact.
func (m *Manager) AttachNamed(name string, size uintptr, hint uintptr) (*Region, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	var token []byte
	switch m.variant {
	case backend.SysV:
		key, err := strconv.ParseInt(name, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: SysV region name must be an integer key: %v", dfshmerr.ErrInvalidArgument, err)
		}
		token = contact.EncodeKey(key)
	default:
		token = contact.EncodePath(name, size)
	}
	st, addr, warn, err := m.be.AttachRegion(token, size, hint)
	if err != nil {
		return nil, err
	}
	logPlacementWarning(warn)
	r := &Region{Size: size, Addr: addr, CreatorPID: UnknownPID, state: st, manager: m}
	m.mu.Lock()
	r.elem = m.foreign.PushFront(r)
	m.mu.Unlock()
	return r, nil
}

// Detach unmaps r in this process and removes it from the foreign list.
// Calling Detach on a region this process created is allowed (it simply
// leaves the OS object behind) but Destroy is the intended path for
// creators.
func (m *Manager) Detach(r *Region) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	if r.openEndpointCount() > 0 {
		return fmt.Errorf("%w: region still has open endpoints", dfshmerr.ErrInvalidState)
	}
	err := m.be.DetachRegion(r.state)
	m.mu.Lock()
	m.removeFromLists(r)
	m.mu.Unlock()
	return err
}

// Destroy unmaps and removes the underlying OS object if this process
// created r; otherwise it degrades to Detach semantics (property 7,
// §8) and does not remove the OS object.
func (m *Manager) Destroy(r *Region) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	if r.openEndpointCount() > 0 {
		return fmt.Errorf("%w: region still has open endpoints", dfshmerr.ErrInvalidState)
	}
	var err error
	if r.CreatorPID == m.selfPID {
		err = m.be.DestroyRegion(r.state)
	} else {
		err = m.be.DetachRegion(r.state)
	}
	m.mu.Lock()
	m.removeFromLists(r)
	m.mu.Unlock()
	return err
}

// removeFromLists must be called with m.mu held.
func (m *Manager) removeFromLists(r *Region) {
	if r.elem == nil {
		return
	}
	if r.elem.Value == r {
		// Either list.Remove is a no-op if elem isn't in that list, or
		// exactly one of these two calls actually removes it.
		m.created.Remove(r.elem)
		m.foreign.Remove(r.elem)
	}
	r.elem = nil
}

// Finalize destroys every remaining created region and detaches every
// remaining foreign region (best-effort cleanup), then runs backend
// finalize. A region that still has open endpoints is neither destroyed
// nor detached: it is dropped from the lists and reported as
// ErrInvalidState.
func (m *Manager) Finalize() error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	m.mu.Lock()
	createdRegions := collect(m.created)
	foreignRegions := collect(m.foreign)
	m.mu.Unlock()

	for _, r := range createdRegions {
		if r.openEndpointCount() > 0 {
			note(fmt.Errorf("%w: region still has open endpoints", dfshmerr.ErrInvalidState))
			continue
		}
		note(m.be.DestroyRegion(r.state))
	}
	for _, r := range foreignRegions {
		if r.openEndpointCount() > 0 {
			note(fmt.Errorf("%w: region still has open endpoints", dfshmerr.ErrInvalidState))
			continue
		}
		note(m.be.DetachRegion(r.state))
	}

	m.mu.Lock()
	m.created.Init()
	m.foreign.Init()
	m.mu.Unlock()

	note(m.be.Finalize())
	m.initialized = false
	return first
}

func collect(l *list.List) []*Region {
	out := make([]*Region, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Region))
	}
	return out
}

func logPlacementWarning(w *dfshmerr.PlacementWarning) {
	if w == nil {
		return
	}
	// The spec classifies this as "logged; operation succeeds with the
	// actual address" (§7) — never surfaced as an error.
	log.Print(w.String())
}
