//go:build linux

// System V shared memory backend: shmget/shmat/shmdt/shmctl via
// golang.org/x/sys/unix, with an ftok-equivalent key derivation computed
// from a per-process seed file instead of cgo's ftok(3). Grounded in
// shape on other_examples/dcd771e4_ghetzel-shmtool (SysV segment
// lifecycle) reimplemented without cgo, per this pack's general
// preference for golang.org/x/sys/unix over C bindings
// (Shuka0306-gvisor, nmxmxh-inos_v1).
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/raffino/dfshm/cacheline"
	"github.com/raffino/dfshm/contact"
	"github.com/raffino/dfshm/dfshmerr"
	"golang.org/x/sys/unix"
)

type sysvState struct {
	id   int
	key  int64
	data []byte
}

func (*sysvState) isState() {}

type sysvBackend struct {
	mu       sync.Mutex
	seedPath string
	seedDev  uint64
	seedIno  uint64
	counter  int32
}

// Init creates the per-process seed file that ftok-style key derivation
// hangs off of: one unique-path file per process
// under the system temp directory, name df_shm_sysv.<pid>" (renamed
// dfshm_sysv.<pid> here).
func (b *sysvBackend) Init(cfg Config) error {
	dir := cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	b.seedPath = filepath.Join(dir, "dfshm_sysv."+strconv.Itoa(os.Getpid()))

	f, err := os.OpenFile(b.seedPath, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: create sysv seed file: %v", dfshmerr.ErrResourceExhausted, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat sysv seed file: %v", dfshmerr.ErrResourceExhausted, err)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		b.seedDev = uint64(st.Dev)
		b.seedIno = uint64(st.Ino)
	}
	return nil
}

// ftok reproduces glibc's ftok(3) formula: the low byte of proj_id in
// the top bits, the low byte of the device number, and the low 16 bits
// of the inode number. proj_id here is the backend's own counter,
// incremented by nextKey once per CreateRegion call. Only its low byte
// enters the key, so keys repeat after 256 regions.
func (b *sysvBackend) ftok(projID int32) int64 {
	return int64(uint32(projID&0xff)<<24 | uint32(b.seedDev&0xff)<<16 | uint32(b.seedIno&0xffff))
}

func (b *sysvBackend) nextKey() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return b.ftok(b.counter)
}

func (b *sysvBackend) CreateRegion(size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	if size == 0 {
		return nil, 0, nil, fmt.Errorf("%w: region size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	key := b.nextKey()
	// Auto-derived keys are process+counter unique: a collision means a
	// bug, so creation must be exclusive (IPC_CREAT|IPC_EXCL), matching
	// §4.1's SysV-is-always-exclusive rule.
	return b.create(key, size, hint, unix.IPC_CREAT|unix.IPC_EXCL)
}

func (b *sysvBackend) CreateNamedRegion(name string, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	if size == 0 {
		return nil, 0, nil, fmt.Errorf("%w: region size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	key, err := strconv.ParseInt(name, 0, 64)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: SysV region name must be an integer key: %v", dfshmerr.ErrInvalidArgument, err)
	}
	// SysV requires exclusive creation even for a caller-supplied key —
	// unlike file-mapping/POSIX-named there is no truncate/replace
	// option for a segment that already exists (§4.1).
	return b.create(key, size, hint, unix.IPC_CREAT|unix.IPC_EXCL)
}

func (b *sysvBackend) create(key int64, size uintptr, hint uintptr, flags int) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	rounded := cacheline.AlignUp(size, uintptr(cacheline.PageSize()))
	id, err := unix.SysvShmGet(int(key), int(rounded), flags|0600)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: shmget key=%d: %v", dfshmerr.ErrResourceExhausted, key, err)
	}
	data, warn, err := sysvAttachAt(id, hint)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, 0, nil, err
	}
	st := &sysvState{id: id, key: key, data: data}
	return st, addrOf(data), warn, nil
}

func (b *sysvBackend) RegionContact(st State) ([]byte, error) {
	ss, ok := st.(*sysvState)
	if !ok {
		return nil, fmt.Errorf("%w: not a SysV region state", dfshmerr.ErrInvalidArgument)
	}
	return contact.EncodeKey(ss.key), nil
}

func (b *sysvBackend) AttachRegion(token []byte, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	key, err := contact.DecodeKey(token)
	if err != nil {
		return nil, 0, nil, err
	}
	id, err := unix.SysvShmGet(int(key), 0, 0600)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: shmget (attach) key=%d: %v", dfshmerr.ErrResourceExhausted, key, err)
	}
	data, warn, err := sysvAttachAt(id, hint)
	if err != nil {
		return nil, 0, nil, err
	}
	if size != 0 && uintptr(len(data)) < size {
		unix.SysvShmDetach(data)
		return nil, 0, nil, fmt.Errorf("%w: attached SysV segment smaller than requested size", dfshmerr.ErrInvalidArgument)
	}
	st := &sysvState{id: id, key: key, data: data}
	return st, addrOf(data), warn, nil
}

func (b *sysvBackend) DetachRegion(st State) error {
	ss, ok := st.(*sysvState)
	if !ok {
		return fmt.Errorf("%w: not a SysV region state", dfshmerr.ErrInvalidArgument)
	}
	if len(ss.data) == 0 {
		return nil
	}
	if err := unix.SysvShmDetach(ss.data); err != nil {
		return fmt.Errorf("%w: shmdt: %v", dfshmerr.ErrCleanupAnomaly, err)
	}
	return nil
}

func (b *sysvBackend) DestroyRegion(st State) error {
	ss, ok := st.(*sysvState)
	if !ok {
		return fmt.Errorf("%w: not a SysV region state", dfshmerr.ErrInvalidArgument)
	}
	err := b.DetachRegion(st)
	if _, rerr := unix.SysvShmCtl(ss.id, unix.IPC_RMID, nil); rerr != nil {
		if err == nil {
			err = fmt.Errorf("%w: shmctl IPC_RMID: %v", dfshmerr.ErrCleanupAnomaly, rerr)
		}
	}
	return err
}

func (b *sysvBackend) Finalize() error {
	if b.seedPath == "" {
		return nil
	}
	if err := os.Remove(b.seedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink sysv seed file: %v", dfshmerr.ErrCleanupAnomaly, err)
	}
	return nil
}

// sysvAttachAt attaches segment id at hint if non-zero, warning (never
// erroring) when the hint can't be honored exactly.
func sysvAttachAt(id int, hint uintptr) ([]byte, *dfshmerr.PlacementWarning, error) {
	if hint == 0 {
		data, err := unix.SysvShmAttach(id, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: shmat: %v", dfshmerr.ErrResourceExhausted, err)
		}
		return data, nil, nil
	}
	var warn *dfshmerr.PlacementWarning
	effectiveHint := hint
	if !cacheline.IsAligned(hint, uintptr(cacheline.PageSize())) {
		warn = &dfshmerr.PlacementWarning{Hint: hint, Misalign: true}
		effectiveHint = 0
	}
	data, err := unix.SysvShmAttach(id, effectiveHint, 0)
	if err != nil && effectiveHint != 0 {
		// shmat fails rather than relocating when the hinted range is
		// unavailable; fall back to an address the kernel chooses.
		data, err = unix.SysvShmAttach(id, 0, 0)
	}
	if err != nil {
		return nil, warn, fmt.Errorf("%w: shmat: %v", dfshmerr.ErrResourceExhausted, err)
	}
	if effectiveHint != 0 && addrOf(data) != effectiveHint && warn == nil {
		warn = &dfshmerr.PlacementWarning{Hint: hint, Actual: addrOf(data)}
	}
	return data, warn, nil
}
