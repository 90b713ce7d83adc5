package eventstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/idgen"
)

// MemoryStore is an in-memory EventStore, used by pkg/replay and
// pkg/composition's unit tests instead of spinning up SQLite. It has no
// transactional semantics of its own (tx is accepted but ignored) — tests
// that need rollback behavior exercise SQLiteStore instead.
type MemoryStore struct {
	mu            sync.Mutex
	aggregateType string
	ids           idgen.IdGen
	clk           clock.Clock
	rows          map[string][]domain.StoredEvent // aggregate_id -> rows
	byID          map[string]string               // row id -> aggregate_id, for Delete
}

// NewMemoryStore returns an empty MemoryStore for aggregateType.
func NewMemoryStore(aggregateType string, ids idgen.IdGen, clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		aggregateType: aggregateType,
		ids:           ids,
		clk:           clk,
		rows:          make(map[string][]domain.StoredEvent),
		byID:          make(map[string]string),
	}
}

func (m *MemoryStore) AggregateType() string { return m.aggregateType }

func (m *MemoryStore) Append(_ context.Context, _ *sql.Tx, rows []PendingRow) ([]domain.StoredEvent, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	stored := make([]domain.StoredEvent, 0, len(rows))
	for _, row := range rows {
		if row.SequenceNumber != nil {
			for _, existing := range m.rows[row.AggregateID] {
				if existing.SequenceNumber != nil && *existing.SequenceNumber == *row.SequenceNumber {
					return nil, &SequenceCollisionError{AggregateID: row.AggregateID, SequenceNumber: *row.SequenceNumber}
				}
			}
		}
		ev := domain.StoredEvent{
			ID:             m.ids.NewID(),
			AggregateID:    row.AggregateID,
			EventType:      row.EventType,
			EventVersion:   row.EventVersion,
			EventData:      append([]byte(nil), row.EventData...),
			CreatedAt:      now,
			OccurredAt:     row.OccurredAt,
			SequenceNumber: row.SequenceNumber,
		}
		m.rows[row.AggregateID] = append(m.rows[row.AggregateID], ev)
		m.byID[ev.ID] = row.AggregateID
		stored = append(stored, ev)
	}
	return stored, nil
}

func (m *MemoryStore) Fetch(_ context.Context, _ *sql.Tx, aggregateIDs []string, filter FetchFilter) ([]domain.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.StoredEvent
	for _, id := range aggregateIDs {
		result = append(result, m.rows[id]...)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if filter.Reverse {
			return result[j].Less(result[i])
		}
		return result[i].Less(result[j])
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Delete(_ context.Context, _ *sql.Tx, rowIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rowID := range rowIDs {
		aggID, ok := m.byID[rowID]
		if !ok {
			continue
		}
		rows := m.rows[aggID]
		for i, r := range rows {
			if r.ID == rowID {
				m.rows[aggID] = append(rows[:i], rows[i+1:]...)
				break
			}
		}
		delete(m.byID, rowID)
	}
	return nil
}
