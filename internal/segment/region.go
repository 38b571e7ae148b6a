package segment

import "os"

// region abstracts a single mmap'd view over an index file's bytes so Index
// itself never has to know whether growing/shrinking the mapping requires a
// lock-free remap (POSIX, see region_posix.go) or a full unmap/remap cycle
// serialized against readers (Windows, see region_windows.go).
type region interface {
	bytes() []byte
	resize(f *os.File, newSize int64) (region, error)
	sync() error
	close() error
}
