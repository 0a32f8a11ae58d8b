package location

import (
	"context"
	"errors"
	"sync"
)

// ErrNoFix is returned before the first position has been pushed.
var ErrNoFix = errors.New("no position fix available")

// ManualSource is a PositionSource fed by an external layer, typically the
// device bridge pushing GPS fixes over the control API.
type ManualSource struct {
	mu     sync.Mutex
	sample Sample
	hasFix bool
}

func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Set records the newest fix.
func (m *ManualSource) Set(sample Sample) {
	m.mu.Lock()
	m.sample = sample
	m.hasFix = true
	m.mu.Unlock()
}

func (m *ManualSource) Current(_ context.Context) (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasFix {
		return Sample{}, ErrNoFix
	}
	return m.sample, nil
}
