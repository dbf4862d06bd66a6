package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common/testutil"
)

func TestFileDeviceRoundTrip(t *testing.T) {
	dir := testutil.TempDir(t)
	dev := NewFileDevice(1024)
	require.NoError(t, dev.Create(filepath.Join(dir, "test.db"), 0o644))
	defer dev.Close()

	require.True(t, dev.IsOpen())
	require.Equal(t, uint32(1024), dev.PageSize())

	addr, err := dev.Alloc(1024)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)

	addr, err = dev.Alloc(1024)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), addr)

	payload := []byte("hello device")
	require.NoError(t, dev.Write(1024, payload))

	buf := make([]byte, len(payload))
	require.NoError(t, dev.Read(1024, buf))
	require.Equal(t, payload, buf)

	size, err := dev.FileSize()
	require.NoError(t, err)
	require.Equal(t, uint64(2048), size)
}

func TestFileDevicePageIO(t *testing.T) {
	dir := testutil.TempDir(t)
	dev := NewFileDevice(1024)
	require.NoError(t, dev.Create(filepath.Join(dir, "test.db"), 0o644))
	defer dev.Close()

	page := NewPage(dev, nil)
	require.NoError(t, page.Allocate())
	copy(page.RawPayload()[100:], "page payload")
	page.SetDirty(true)
	require.NoError(t, page.Flush())
	require.False(t, page.IsDirty())

	other := NewPage(dev, nil)
	require.NoError(t, other.Fetch(page.Address()))
	require.Equal(t, []byte("page payload"), other.RawPayload()[100:112])
}

func TestMemDevice(t *testing.T) {
	dev := NewMemDevice(1024)
	require.NoError(t, dev.Create("", 0))
	defer dev.Close()

	addr, err := dev.Alloc(2048)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)

	require.NoError(t, dev.Write(512, []byte("mem")))
	buf := make([]byte, 3)
	require.NoError(t, dev.Read(512, buf))
	require.Equal(t, []byte("mem"), buf)

	// out-of-bounds access is an error, not a grow
	require.Error(t, dev.Write(4096, []byte("beyond")))
}
