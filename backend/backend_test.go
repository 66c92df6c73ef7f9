//go:build linux

package backend

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// variantsUnderTest lists the backends exercised by the shared
// property suite below (scenario S6: multi-backend parity). No variant
// is filtered out here; each test skips a variant whose Init or
// CreateRegion fails (e.g. SysV in a sandbox without access to the
// System V IPC namespace) rather than failing outright.
func variantsUnderTest() []Variant {
	return []Variant{FileMap, SysV, Posix}
}

func newBackend(t *testing.T, v Variant) Backend {
	t.Helper()
	be, err := New(v)
	require.NoError(t, err)
	err = be.Init(Config{TempDir: t.TempDir()})
	if err != nil {
		t.Skipf("backend %s Init unavailable in this sandbox: %v", v, err)
	}
	return be
}

// TestCreateContactAttachRoundTrip covers scenario S1, generalized to
// every backend per S6.
func TestCreateContactAttachRoundTrip(t *testing.T) {
	for _, v := range variantsUnderTest() {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			be := newBackend(t, v)
			defer be.Finalize()

			st, addr, _, err := be.CreateRegion(4096, 0)
			if err != nil {
				t.Skipf("backend %s CreateRegion unavailable: %v", v, err)
			}
			require.NotZero(t, addr)

			data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4096)
			data[0] = 0xAB

			token, err := be.RegionContact(st)
			require.NoError(t, err)

			attSt, attAddr, _, err := be.AttachRegion(token, 4096, 0)
			require.NoError(t, err)
			attData := unsafe.Slice((*byte)(unsafe.Pointer(attAddr)), 4096)
			require.Equal(t, byte(0xAB), attData[0])

			require.NoError(t, be.DetachRegion(attSt))
			require.NoError(t, be.DestroyRegion(st))
		})
	}
}

// TestCreateRegionHonorsPageAlignedHint covers property 1 (placement
// identity, §8): a region re-created at the address a region of the
// same size just vacated should land back at that same address, since
// nothing else had a chance to claim it. The kernel is free to refuse
// the hint (ASLR, a racing allocation elsewhere in the process), in
// which case CreateRegion reports it via a PlacementWarning rather than
// an error and this test skips instead of failing — exactly the
// contract §7 describes for an unhonored hint.
func TestCreateRegionHonorsPageAlignedHint(t *testing.T) {
	for _, v := range variantsUnderTest() {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			be := newBackend(t, v)
			defer be.Finalize()

			st1, addr1, _, err := be.CreateRegion(4096, 0)
			if err != nil {
				t.Skipf("backend %s CreateRegion unavailable: %v", v, err)
			}
			require.NoError(t, be.DestroyRegion(st1))

			st2, addr2, warn, err := be.CreateRegion(4096, addr1)
			if err != nil {
				t.Skipf("backend %s would not map at hint %#x: %v", v, addr1, err)
			}
			defer be.DestroyRegion(st2)
			if warn != nil {
				t.Skipf("backend %s did not honor hint %#x: %s", v, addr1, warn.String())
			}
			require.Equal(t, addr1, addr2, "property 1: placement identity")
		})
	}
}

// TestCreateRegionWarnsOnMisalignedHint covers the other half of §7's
// hint contract: a hint that isn't page-aligned is never honored, and
// CreateRegion must say so via PlacementWarning.Misalign instead of
// silently rounding it or failing the call.
func TestCreateRegionWarnsOnMisalignedHint(t *testing.T) {
	for _, v := range variantsUnderTest() {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			be := newBackend(t, v)
			defer be.Finalize()

			st, _, warn, err := be.CreateRegion(4096, 1)
			if err != nil {
				t.Skipf("backend %s CreateRegion unavailable: %v", v, err)
			}
			defer be.DestroyRegion(st)
			require.NotNil(t, warn)
			require.True(t, warn.Misalign)
		})
	}
}

func TestFileMapDestroyRemovesBackingFile(t *testing.T) {
	dir := t.TempDir()
	be, err := New(FileMap)
	require.NoError(t, err)
	require.NoError(t, be.Init(Config{TempDir: dir}))

	st, _, _, err := be.CreateRegion(4096, 0)
	require.NoError(t, err)

	fs := st.(*fileMapState)
	_, statErr := os.Stat(fs.Path())
	require.NoError(t, statErr)

	require.NoError(t, be.DestroyRegion(st))
	_, statErr = os.Stat(fs.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestFileMapNamedRegionIsReusedByPath(t *testing.T) {
	dir := t.TempDir()
	be, err := New(FileMap)
	require.NoError(t, err)
	require.NoError(t, be.Init(Config{TempDir: dir}))
	defer be.Finalize()

	name := filepath.Join(dir, "named-region")
	st1, _, _, err := be.CreateNamedRegion(name, 4096, 0)
	require.NoError(t, err)
	require.NoError(t, be.DetachRegion(st1))

	// Creating again at the same name truncates/replaces rather than
	// failing (§4.1's named-region rule).
	st2, _, _, err := be.CreateNamedRegion(name, 4096, 0)
	require.NoError(t, err)
	require.NoError(t, be.DestroyRegion(st2))
}

func TestFileMapCreateRegionRejectsZeroSize(t *testing.T) {
	be := newBackend(t, FileMap)
	defer be.Finalize()
	_, _, _, err := be.CreateRegion(0, 0)
	require.Error(t, err)
}
