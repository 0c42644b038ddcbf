package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Memory keeps events in process. Services under test use it in place of PGEmitter.
type Memory struct {
	mu         sync.Mutex
	Events     []Event
	BestEffort []Event
	// Err, when set, is returned from Emit.
	Err error
}

func (m *Memory) Emit(_ context.Context, _ pgx.Tx, ev Event) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) EmitBestEffort(_ context.Context, ev Event) {
	m.mu.Lock()
	m.BestEffort = append(m.BestEffort, ev)
	m.mu.Unlock()
}

// Topics lists the topics of transactional events in emission order.
func (m *Memory) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, ev := range m.Events {
		out = append(out, ev.Topic())
	}
	return out
}
