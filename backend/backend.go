// Package backend implements the three OS-level shared-memory
// mechanisms dfshm can build a region on top of: anonymous file-backed
// mmap, System V shared memory, and POSIX named shared memory. Each
// variant satisfies the same Backend interface; the region.Manager picks
// exactly one at construction time and never switches.
package backend

import "github.com/raffino/dfshm/dfshmerr"

// Variant selects which OS mechanism a Manager is built on.
type Variant int

const (
	FileMap Variant = iota
	SysV
	Posix
)

func (v Variant) String() string {
	switch v {
	case FileMap:
		return "filemap"
	case SysV:
		return "sysv"
	case Posix:
		return "posix"
	default:
		return "unknown"
	}
}

// ParseVariant maps a config string ("filemap", "sysv", "posix") to a
// Variant, for the demo binaries' TOML configuration.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "filemap", "":
		return FileMap, nil
	case "sysv":
		return SysV, nil
	case "posix":
		return Posix, nil
	default:
		return 0, &invalidVariantNameError{s: s}
	}
}

type invalidVariantNameError struct{ s string }

func (e *invalidVariantNameError) Error() string {
	return "dfshm: unknown backend variant name " + e.s
}

func (e *invalidVariantNameError) Unwrap() error {
	return dfshmerr.ErrInvalidArgument
}

// Config carries backend-private initialization parameters. Fields not
// meaningful to a given variant are ignored by that variant's Init.
type Config struct {
	// TempDir overrides where a backend places its process-wide seed
	// artifacts (the unique-name seed file for SysV, the temp
	// directory for file-mapping). Defaults to os.TempDir().
	TempDir string
}

// State is an opaque handle to backend-private per-region bookkeeping —
// the file descriptor, path, or SysV id a given variant needs to later
// detach or destroy the region it created or attached. Only the backend
// that produced a State may be asked to act on it again.
type State interface {
	isState()
}

// Backend is the uniform, eight-operation surface every variant
// implements. See §4.1 for exact per-operation contracts.
type Backend interface {
	// Init sets up process-wide, backend-private bookkeeping (e.g. a
	// unique name-template derived from the process id). Fails only on
	// resource exhaustion.
	Init(cfg Config) error

	// CreateRegion obtains a fresh shared byte range of at least size
	// bytes under an auto-generated, process-unique name, and maps it
	// at hint if possible. A non-nil *dfshmerr.PlacementWarning is
	// returned alongside success when hint was honored only partially
	// (or not honored at all); it is never an error.
	CreateRegion(size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error)

	// CreateNamedRegion is CreateRegion with a caller-supplied identity.
	// A pre-existing object at name is truncated/replaced for
	// file-mapping and POSIX-named, and is an error for SysV (which
	// requires exclusive creation for a caller-chosen key).
	CreateNamedRegion(name string, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error)

	// RegionContact serializes enough information for a peer to locate
	// and size the region described by st.
	RegionContact(st State) ([]byte, error)

	// AttachRegion opens the shared object identified by token and maps
	// it at hint, with the same alignment-warning and best-effort
	// placement policy as CreateRegion.
	AttachRegion(token []byte, size uintptr, hint uintptr) (State, uintptr, *dfshmerr.PlacementWarning, error)

	// DetachRegion unmaps the byte range in this process and releases
	// variant-private per-region state. It does not destroy the
	// underlying OS object.
	DetachRegion(st State) error

	// DestroyRegion unmaps and removes the underlying OS object. Only
	// the creator of a region should invoke this path.
	DestroyRegion(st State) error

	// Finalize releases any process-wide artifacts created by Init
	// (e.g. unlinks the SysV seed file).
	Finalize() error
}

// New constructs the Backend for the given variant. The returned value
// is uninitialized; callers must call Init before using it.
func New(v Variant) (Backend, error) {
	switch v {
	case FileMap:
		return &fileMapBackend{}, nil
	case SysV:
		return &sysvBackend{}, nil
	case Posix:
		return &posixBackend{}, nil
	default:
		return nil, errInvalidVariant(v)
	}
}

func errInvalidVariant(v Variant) error {
	return &invalidVariantError{v: v}
}

type invalidVariantError struct{ v Variant }

func (e *invalidVariantError) Error() string {
	return "dfshm: unknown backend variant " + e.v.String()
}

func (e *invalidVariantError) Unwrap() error {
	return dfshmerr.ErrInvalidArgument
}
