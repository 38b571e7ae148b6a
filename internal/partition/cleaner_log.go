package partition

// CleanerLog adapts a *Partition to the cleaner package's Log interface.
// Partition already implements every method that interface needs except
// Dir, which collides with Partition's exported Dir field; this wrapper
// supplies just that one method and promotes the rest through embedding.
type CleanerLog struct {
	*Partition
}

// NewCleanerLog wraps p for registration with a cleaner.CleanerManager.
func NewCleanerLog(p *Partition) CleanerLog {
	return CleanerLog{Partition: p}
}

// Dir returns the partition's on-disk directory.
func (l CleanerLog) Dir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Partition.Dir
}
