package partition_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"kbootd/internal/partition"
)

type fakeMap struct {
	paths map[string]string
}

func (f *fakeMap) Path(name string) string { return f.paths[name] }
func (f *fakeMap) Has(name string) bool    { _, ok := f.paths[name]; return ok }

func TestGetPathResolvesThroughMap(t *testing.T) {
	m := &fakeMap{paths: map[string]string{"boot_a": "/dev/mmcblk0p7"}}
	svc := partition.New("/dev/mmcblk0", m)

	require.Equal(t, "/dev/mmcblk0p7", svc.GetPath("boot_a"))
	require.Equal(t, "", svc.GetPath("missing"))
}

func TestEraseLenForcesWholeDeviceToFixedLength(t *testing.T) {
	n, err := partition.EraseLen("/dev/mmcblk0", "/dev/mmcblk0")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), n)
}

func TestFlashRawAdvancesOffset(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "raw-part-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	path := f.Name()
	require.NoError(t, f.Close())

	var offset uint64
	payload := []byte("first-chunk")
	require.NoError(t, partition.Flash(path, payload, &offset))
	require.Equal(t, uint64(len(payload)), offset)

	second := []byte("second-chunk")
	require.NoError(t, partition.Flash(path, second, &offset))
	require.Equal(t, uint64(len(payload)+len(second)), offset)

	got, err := partition.Read(path, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	got, err = partition.Read(path, int64(len(payload)), len(second))
	require.NoError(t, err)
	require.Equal(t, second, got)
}
