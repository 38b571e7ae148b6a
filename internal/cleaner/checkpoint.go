package cleaner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const checkpointFileName = "cleaner-offset-checkpoint"
const checkpointVersion = 0

// readCheckpoints parses the checkpoint file at dir/checkpointFileName into
// a TopicPartition -> offset map. A missing file is not an error: it means
// no partition in dir has ever been cleaned.
func readCheckpoints(dir string) (map[TopicPartition]int64, error) {
	path := filepath.Join(dir, checkpointFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[TopicPartition]int64{}, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("cleaner checkpoint %s: missing version line", path)
	}
	if _, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err != nil {
		return nil, fmt.Errorf("cleaner checkpoint %s: bad version: %w", path, err)
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("cleaner checkpoint %s: missing entry count", path)
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("cleaner checkpoint %s: bad entry count: %w", path, err)
	}

	out := make(map[TopicPartition]int64, n)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("cleaner checkpoint %s: expected %d entries, found %d", path, n, i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("cleaner checkpoint %s: malformed entry %q", path, scanner.Text())
		}
		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cleaner checkpoint %s: bad partition: %w", path, err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cleaner checkpoint %s: bad offset: %w", path, err)
		}
		out[TopicPartition{Topic: fields[0], Partition: int32(partition)}] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeCheckpoints rewrites the checkpoint file atomically: write to a temp
// file in the same directory, fsync, then rename over the original.
func writeCheckpoints(dir string, checkpoints map[TopicPartition]int64) error {
	path := filepath.Join(dir, checkpointFileName)
	tmp, err := os.CreateTemp(dir, checkpointFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%d\n", checkpointVersion)
	fmt.Fprintf(w, "%d\n", len(checkpoints))
	for tp, offset := range checkpoints {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offset)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
