package tracker

// BatchLocks reports how many batches currently hold a recompute lock.
func (t *Tracker) BatchLocks() int {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	return len(t.locks)
}
