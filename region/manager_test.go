package region

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/raffino/dfshm/backend"
	"github.com/raffino/dfshm/dfshmerr"
)

func unsafeBytesAt(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := Init(backend.FileMap, backend.Config{TempDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Finalize() })
	return mgr
}

// TestRoundTripContact covers property 2: a region created in one
// Manager can be attached by another Manager via its contact bytes, and
// the bytes written by the creator are visible to the attacher.
func TestRoundTripContact(t *testing.T) {
	dir := t.TempDir()
	creator, err := Init(backend.FileMap, backend.Config{TempDir: dir})
	require.NoError(t, err)
	defer creator.Finalize()

	r, err := creator.Create(4096, 0)
	require.NoError(t, err)

	marker := []byte{0xAB}
	dst := unsafeBytesAt(r.Addr, 1)
	copy(dst, marker)

	token, err := creator.Contact(r)
	require.NoError(t, err)

	attacher, err := Init(backend.FileMap, backend.Config{TempDir: dir})
	require.NoError(t, err)
	defer attacher.Finalize()

	attached, err := attacher.Attach(UnknownPID, token, r.Size, 0)
	require.NoError(t, err)
	require.Equal(t, marker[0], unsafeBytesAt(attached.Addr, 1)[0])

	require.NoError(t, attacher.Detach(attached))
	require.NoError(t, creator.Destroy(r))

	_, statErr := os.Stat(pathFromState(t, r))
	require.True(t, os.IsNotExist(statErr))
}

// TestOwnershipDiscipline covers property 7: Destroy invoked by a
// Manager that did not create the region degrades to Detach and leaves
// the OS object behind.
func TestOwnershipDiscipline(t *testing.T) {
	dir := t.TempDir()
	creator, err := Init(backend.FileMap, backend.Config{TempDir: dir})
	require.NoError(t, err)
	defer creator.Finalize()

	r, err := creator.Create(4096, 0)
	require.NoError(t, err)
	token, err := creator.Contact(r)
	require.NoError(t, err)

	attacher, err := Init(backend.FileMap, backend.Config{TempDir: dir})
	require.NoError(t, err)
	defer attacher.Finalize()

	// Both managers live in this process, so the creator's pid equals the
	// attacher's own; attaching with it would mark the attacher as the
	// creator. UnknownPID stands in for a peer in another process.
	attached, err := attacher.Attach(UnknownPID, token, r.Size, 0)
	require.NoError(t, err)
	require.False(t, attached.IsCreator(attacher.selfPID))

	require.NoError(t, attacher.Destroy(attached))

	path := pathFromState(t, r)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "non-creator Destroy must not remove the OS object")

	require.NoError(t, creator.Destroy(r))
}

func TestDestroyBlockedByOpenEndpointRef(t *testing.T) {
	mgr := newManager(t)
	r, err := mgr.Create(4096, 0)
	require.NoError(t, err)

	r.AcquireEndpointRef()
	err = mgr.Destroy(r)
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidState))

	r.ReleaseEndpointRef()
	require.NoError(t, mgr.Destroy(r))
}

func TestCreateZeroSizeIsInvalidArgument(t *testing.T) {
	mgr := newManager(t)
	_, err := mgr.Create(0, 0)
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidArgument))
}

func TestUninitializedManagerRejectsOps(t *testing.T) {
	mgr := newManager(t)
	require.NoError(t, mgr.Finalize())
	_, err := mgr.Create(4096, 0)
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidState))
}

func pathFromState(t *testing.T, r *Region) string {
	t.Helper()
	type pather interface{ Path() string }
	if p, ok := r.state.(pather); ok {
		return p.Path()
	}
	t.Fatal("region state does not expose a path")
	return ""
}
