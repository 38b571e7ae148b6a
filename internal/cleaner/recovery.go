package cleaner

import (
	"os"
	"path/filepath"
	"strings"
)

// RecoverDataDir implements the crash-safety rule from spec.md §6: any
// ".cleaned" file is an incomplete build and is discarded; any ".swap"
// file is a fully-built replacement whose install was interrupted before
// the final rename, and is finalized by removing the suffix (evicting
// whatever currently sits at the un-suffixed name, since the swap was
// already committed past the point of no return).
//
// Called once, at startup, before any partition is opened.
func RecoverDataDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(dir, name)

		switch {
		case strings.HasSuffix(name, ".cleaned"):
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return err
			}
		case strings.HasSuffix(name, ".swap"):
			finalName := strings.TrimSuffix(full, ".swap")
			if err := os.Remove(finalName); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := os.Rename(full, finalName); err != nil {
				return err
			}
		}
	}
	return nil
}
