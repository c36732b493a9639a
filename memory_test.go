package v4l2

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestHandleKinds(t *testing.T) {
	require.Equal(t, MemoryMMAP, MMAPHandle{}.MemoryType())
	require.Equal(t, MemoryUserPtr, UserPtrHandle{}.MemoryType())
	require.Equal(t, MemoryDmaBuf, DmaBufHandle{}.MemoryType())

	// the memory type of a set comes from its kind, even when empty
	require.Equal(t, MemoryUserPtr, PlaneHandles[UserPtrHandle](nil).MemoryType())
}

func TestFillPlane(t *testing.T) {
	t.Run("mmap", func(t *testing.T) {
		p := PlaneDescriptor{Length: 4096, MemOffset: 8192}
		MMAPHandle{}.FillPlane(&p)
		require.Equal(t, PlaneDescriptor{Length: 4096, MemOffset: 8192}, p)
	})

	t.Run("userptr", func(t *testing.T) {
		data := make([]byte, 1000)
		var p PlaneDescriptor
		UserPtrHandle{Data: data}.FillPlane(&p)
		require.EqualValues(t, 1000, p.Length)
		require.Equal(t, uintptr(unsafe.Pointer(&data[0])), p.UserPtr)
	})

	t.Run("userptr empty", func(t *testing.T) {
		var p PlaneDescriptor
		UserPtrHandle{}.FillPlane(&p)
		require.Zero(t, p.UserPtr)
		require.Zero(t, p.Length)
	})

	t.Run("dmabuf", func(t *testing.T) {
		var p PlaneDescriptor
		DmaBufHandle{Fd: 7, Length: 2048}.FillPlane(&p)
		require.EqualValues(t, 7, p.Fd)
		require.EqualValues(t, 2048, p.Length)
	})
}

func TestHandlesAs(t *testing.T) {
	var unified BufferHandles = PlaneHandles[UserPtrHandle]{{Data: []byte{1}}, {Data: []byte{2, 3}}}

	h, ok := HandlesAs[UserPtrHandle](unified)
	require.True(t, ok)
	require.Len(t, h, 2)
	require.Equal(t, []byte{2, 3}, h[1].Data)

	_, ok = HandlesAs[MMAPHandle](unified)
	require.False(t, ok)

	var p PlaneDescriptor
	unified.FillPlane(1, &p)
	require.EqualValues(t, 2, p.Length)
}

func TestMMAPMapping(t *testing.T) {
	dev := NewMockDevice()

	m, err := MMAPHandle{}.Map(dev, PlaneInfo{Length: 4096, MemOffset: 0x1000})
	require.NoError(t, err)
	require.Equal(t, 4096, m.Len())
	m.Data()[0] = 0xAB

	// the same offset maps the same memory
	again, err := MMAPHandle{}.Map(dev, PlaneInfo{Length: 4096, MemOffset: 0x1000})
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), again.Data()[0])

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Nil(t, m.Data())
	require.Equal(t, 1, dev.CallCount("MUNMAP"))
	require.NoError(t, again.Close())
}

func TestMMAPMappingError(t *testing.T) {
	dev := NewMockDevice()
	dev.SetError("MMAP", syscall.ENOMEM)

	_, err := MMAPHandle{}.Map(dev, PlaneInfo{Length: 4096})
	require.True(t, IsCode(err, ErrCodeInsufficientMemory))
	require.ErrorIs(t, err, syscall.ENOMEM)
}
