//go:build linux

// File-mapping backend: a temporary file under the system temp
// directory, memory-mapped MAP_SHARED. Grounded on the original feeder's
// shm.NewRingBuffer/shm.NewMatrix (which map a file under /dev/shm) and
// on nmxmxh-inos_v1's kernel/threads/sab/hal_native.go SharedMemoryProvider.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/raffino/dfshm/cacheline"
	"github.com/raffino/dfshm/contact"
	"github.com/raffino/dfshm/dfshmerr"
	"golang.org/x/sys/unix"
)

type fileMapState struct {
	fd   int
	path string
	data []byte
}

func (*fileMapState) isState() {}

// Path exposes the backing file path, for tests and diagnostics that
// need to confirm an OS artifact was actually removed.
func (fs *fileMapState) Path() string { return fs.path }

type fileMapBackend struct {
	mu      sync.Mutex
	tempDir string
	pid     int
	counter int
}

func (b *fileMapBackend) Init(cfg Config) error {
	b.tempDir = cfg.TempDir
	if b.tempDir == "" {
		b.tempDir = os.TempDir()
	}
	b.pid = os.Getpid()
	return nil
}

func (b *fileMapBackend) nextName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return "dfshm_mmap." + strconv.Itoa(b.pid) + "." + strconv.Itoa(b.counter)
}

func (b *fileMapBackend) CreateRegion(size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	if size == 0 {
		return nil, 0, nil, fmt.Errorf("%w: region size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	path := filepath.Join(b.tempDir, b.nextName())
	// The name is process+counter unique, so an existing file here
	// indicates a bug rather than a legitimate re-create: require
	// exclusive creation (see SPEC_FULL.md §9 resolution of Open
	// Question 3).
	return b.create(path, size, hint, unix.O_CREAT|unix.O_EXCL)
}

func (b *fileMapBackend) CreateNamedRegion(name string, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	if size == 0 {
		return nil, 0, nil, fmt.Errorf("%w: region size must be > 0", dfshmerr.ErrInvalidArgument)
	}
	if name == "" {
		return nil, 0, nil, fmt.Errorf("%w: region name must not be empty", dfshmerr.ErrInvalidArgument)
	}
	// A pre-existing file at this path is truncated/replaced, per §4.1.
	return b.create(name, size, hint, unix.O_CREAT|unix.O_TRUNC)
}

func (b *fileMapBackend) create(path string, size uintptr, hint uintptr, extraFlags int) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	rounded := cacheline.AlignUp(size, uintptr(cacheline.PageSize()))
	fd, err := unix.Open(path, unix.O_RDWR|extraFlags, 0600)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: open %s: %v", dfshmerr.ErrResourceExhausted, path, err)
	}
	if err := unix.Ftruncate(fd, int64(rounded)); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, 0, nil, fmt.Errorf("%w: truncate %s: %v", dfshmerr.ErrResourceExhausted, path, err)
	}
	data, warn, err := mapFDAt(fd, rounded, hint)
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, 0, nil, err
	}
	st := &fileMapState{fd: fd, path: path, data: data}
	return st, addrOf(data), warn, nil
}

func (b *fileMapBackend) RegionContact(st State) ([]byte, error) {
	fs, ok := st.(*fileMapState)
	if !ok {
		return nil, fmt.Errorf("%w: not a file-mapping region state", dfshmerr.ErrInvalidArgument)
	}
	return contact.EncodePath(fs.path, uintptr(len(fs.data))), nil
}

func (b *fileMapBackend) AttachRegion(token []byte, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error) {
	path, tokenSize, err := contact.DecodePath(token)
	if err != nil {
		return nil, 0, nil, err
	}
	if size == 0 {
		size = tokenSize
	}
	rounded := cacheline.AlignUp(size, uintptr(cacheline.PageSize()))
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: open %s: %v", dfshmerr.ErrResourceExhausted, path, err)
	}
	data, warn, err := mapFDAt(fd, rounded, hint)
	if err != nil {
		unix.Close(fd)
		return nil, 0, nil, err
	}
	st := &fileMapState{fd: fd, path: path, data: data}
	return st, addrOf(data), warn, nil
}

func (b *fileMapBackend) DetachRegion(st State) error {
	fs, ok := st.(*fileMapState)
	if !ok {
		return fmt.Errorf("%w: not a file-mapping region state", dfshmerr.ErrInvalidArgument)
	}
	err := unmap(fs.data)
	if cerr := unix.Close(fs.fd); cerr != nil && err == nil {
		err = fmt.Errorf("%w: close %s: %v", dfshmerr.ErrCleanupAnomaly, fs.path, cerr)
	}
	return err
}

func (b *fileMapBackend) DestroyRegion(st State) error {
	fs, ok := st.(*fileMapState)
	if !ok {
		return fmt.Errorf("%w: not a file-mapping region state", dfshmerr.ErrInvalidArgument)
	}
	err := b.DetachRegion(st)
	if rerr := os.Remove(fs.path); rerr != nil && !os.IsNotExist(rerr) {
		if err == nil {
			err = fmt.Errorf("%w: unlink %s: %v", dfshmerr.ErrCleanupAnomaly, fs.path, rerr)
		}
	}
	return err
}

func (b *fileMapBackend) Finalize() error {
	return nil
}
