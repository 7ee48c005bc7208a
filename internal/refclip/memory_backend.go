package refclip

import (
	"encoding/json"
	"sync"
)

// InMemoryStoreBackend keeps the record state in process memory. Snapshots
// round-trip through JSON so callers never share map references with the
// backend's copy.
type InMemoryStoreBackend struct {
	mu       sync.Mutex
	snapshot *recordState
}

func NewInMemoryStoreBackend() *InMemoryStoreBackend {
	return &InMemoryStoreBackend{}
}

func (b *InMemoryStoreBackend) Load() (*recordState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneRecordState(b.snapshot)
}

func (b *InMemoryStoreBackend) Save(state *recordState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneRecordState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneRecordState(state *recordState) (*recordState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone recordState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	clone.ensureMaps()
	return &clone, nil
}
