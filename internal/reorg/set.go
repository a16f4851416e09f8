package reorg

import "context"

// Set runs one Cleanup per provider against the shared tracking tables. The
// cleanups must share a single Lock so at most one recovery runs across all
// providers.
type Set struct {
	cleanups []*Cleanup
}

func NewSet(cleanups ...*Cleanup) *Set {
	return &Set{cleanups: cleanups}
}

// Run checks each provider in order. The first recovery repairs the shared
// checkpoint, so the remaining providers see a clean state and are skipped
// until the next cycle.
func (s *Set) Run(ctx context.Context) (bool, error) {
	for _, c := range s.cleanups {
		recovered, err := c.Run(ctx)
		if err != nil {
			return false, err
		}
		if recovered {
			return true, nil
		}
	}
	return false, nil
}

// Prune trims the shared change log once; the retention window is identical
// across providers.
func (s *Set) Prune(ctx context.Context, currentBlock int64) error {
	if len(s.cleanups) == 0 {
		return nil
	}
	return s.cleanups[0].Prune(ctx, currentBlock)
}

func (s *Set) InProgress() bool {
	for _, c := range s.cleanups {
		if c.InProgress() {
			return true
		}
	}
	return false
}

func (s *Set) TrackingSuppressedFor(blockNumber int64) bool {
	for _, c := range s.cleanups {
		if c.TrackingSuppressedFor(blockNumber) {
			return true
		}
	}
	return false
}
