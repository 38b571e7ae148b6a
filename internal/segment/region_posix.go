//go:build !windows

package segment

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// posixRegion wraps a mmap'd byte slice on platforms where a file can be
// truncated while a mapping of it is still live. resize truncates the file
// first, then unmaps the old mapping and returns a new one; Index holds its
// exclusive lock around the call, so readers never see the unmapped slice.
type posixRegion struct {
	data []byte
}

func mapRegion(f *os.File, size int64) (region, error) {
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &posixRegion{data: data}, nil
}

func (r *posixRegion) bytes() []byte { return r.data }

func (r *posixRegion) resize(f *os.File, newSize int64) (region, error) {
	if err := f.Truncate(newSize); err != nil {
		return nil, err
	}
	if err := syscall.Munmap(r.data); err != nil {
		return nil, err
	}
	return mapRegion(f, newSize)
}

func (r *posixRegion) sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

func (r *posixRegion) close() error {
	return syscall.Munmap(r.data)
}
