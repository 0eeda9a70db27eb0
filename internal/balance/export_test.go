package balance

// TrackedGenerations reports how many accounts hold discard bookkeeping.
func (s *Synchronizer) TrackedGenerations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens) + len(s.inflight)
}
