//go:build windows

package segment

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func unsafeByteSlice(addr uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func unsafeAddr(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

// windowsRegion wraps a mmap'd byte slice on Windows, where a file mapping
// must be fully unmapped (and its mapping handle closed) before the
// underlying file can be resized. Index serializes callers against a resize
// with its own sync.RWMutex, so by the time resize() runs here there are no
// concurrent readers holding a reference to data.
type windowsRegion struct {
	handle windows.Handle
	data   []byte
}

func mapRegion(f *os.File, size int64) (region, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	data := unsafeByteSlice(addr, int(size))
	return &windowsRegion{handle: h, data: data}, nil
}

func (r *windowsRegion) bytes() []byte { return r.data }

func (r *windowsRegion) resize(f *os.File, newSize int64) (region, error) {
	if err := r.close(); err != nil {
		return nil, err
	}
	if err := f.Truncate(newSize); err != nil {
		return nil, err
	}
	return mapRegion(f, newSize)
}

func (r *windowsRegion) sync() error {
	if len(r.data) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafeAddr(r.data)), uintptr(len(r.data)))
}

func (r *windowsRegion) close() error {
	if len(r.data) == 0 {
		return nil
	}
	addr := unsafeAddr(r.data)
	r.data = nil
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return err
	}
	return windows.CloseHandle(r.handle)
}
