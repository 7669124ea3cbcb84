//go:build linux || darwin

package frame

import (
	"testing"

	"golang.org/x/sys/unix"

	"memtypes"

	"github.com/stretchr/testify/require"
)

func TestMmapRegionBacksBootstrapAllocation(t *testing.T) {
	r, err := NewMmapRegion(4)
	require.NoError(t, err)
	defer r.Close()

	bs := NewBootstrap([]PhysRegion{r.PhysRegion})
	pa, err := bs.Allocate(memtypes.PageSize)
	require.NoError(t, err)
	require.True(t, pa.PageAligned())
	require.GreaterOrEqual(t, uint64(pa), uint64(r.Base))
	require.Less(t, uint64(pa), uint64(r.Base)+r.Len)
}

func TestMmapRegionProtectToReadOnlyAndBack(t *testing.T) {
	r, err := NewMmapRegion(1)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Protect(unix.PROT_READ))
	// restore so Close's Munmap (and test cleanup in general) behaves on
	// platforms that validate protection on unmap.
	defer r.Protect(unix.PROT_READ | unix.PROT_WRITE)
}
