//go:build linux || darwin

package hwspace

import (
	"testing"

	"golang.org/x/sys/unix"

	"memtypes"

	"github.com/stretchr/testify/require"
)

// The leaf size this package maps against must agree with the host's own
// page size in these userland test builds, or a test that thinks it is
// touching one page is silently touching a fraction of one.
func TestLeafSizeMatchesHostPageSize(t *testing.T) {
	require.Equal(t, unix.Getpagesize(), memtypes.PageSize)
}
