package wine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/replay"
)

// createActionsTableSQL is the actions snapshot table: one row per Action
// aggregate, separate from the action event log pkg/eventstore owns.
const createActionsTableSQL = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	action_type TEXT NOT NULL,
	effective_at TIMESTAMP NOT NULL,
	involved_lot_ids TEXT NOT NULL,
	revision_number INTEGER NOT NULL,
	payload_kind TEXT NOT NULL,
	payload_data BLOB NOT NULL,
	deleted_at TIMESTAMP
);
`

// EnsureActionsSchema creates the actions snapshot table if absent.
func EnsureActionsSchema(db *sql.DB) error {
	_, err := db.Exec(createActionsTableSQL)
	return err
}

// InsertRow implements domain.RowPersister for a brand-new Action.
func (a *Action) InsertRow(ctx context.Context, tx *sql.Tx) error {
	lotIDs, err := json.Marshal(a.InvolvedLotIDs)
	if err != nil {
		return err
	}
	kind, data, err := EncodeActionPayload(a.Payload)
	if err != nil {
		return err
	}
	var deletedAt interface{}
	if a.DeletedAt != nil {
		deletedAt = *a.DeletedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (id, version, action_type, effective_at, involved_lot_ids, revision_number, payload_kind, payload_data, deleted_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID(), string(a.ActionType), a.EffectiveAt, string(lotIDs), a.RevisionNumber, kind, data, deletedAt)
	return err
}

// UpdateRow implements domain.RowPersister's optimistic compare-and-update.
func (a *Action) UpdateRow(ctx context.Context, tx *sql.Tx, expectedVersion int) (int64, error) {
	lotIDs, err := json.Marshal(a.InvolvedLotIDs)
	if err != nil {
		return 0, err
	}
	kind, data, err := EncodeActionPayload(a.Payload)
	if err != nil {
		return 0, err
	}
	var deletedAt interface{}
	if a.DeletedAt != nil {
		deletedAt = *a.DeletedAt
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE actions
		SET version = ?, effective_at = ?, involved_lot_ids = ?, revision_number = ?, payload_kind = ?, payload_data = ?, deleted_at = ?
		WHERE id = ? AND version = ?`,
		expectedVersion+1, a.EffectiveAt, string(lotIDs), a.RevisionNumber, kind, data, deletedAt,
		a.ID(), expectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Persist runs the generic optimistic insert-or-update algorithm
// (domain.Persist), passing itself as the RowPersister.
func (a *Action) Persist(ctx context.Context, tx *sql.Tx) error {
	return domain.Persist(ctx, &a.AggregateBase, tx, a)
}

// ActionLister implements pkg/replay.IDLister over the actions snapshot
// table, used by RebuildAggregates.
type ActionLister struct{}

var _ replay.IDLister = ActionLister{}

// ListIDsAfter returns up to limit rows with id > after, ordered
// ascending. limit <= 0 means unlimited.
func (ActionLister) ListIDsAfter(ctx context.Context, tx *sql.Tx, after string, limit int) ([]replay.IDPage, error) {
	query := `SELECT id, version FROM actions WHERE id > ? ORDER BY id ASC`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("wine: list actions after %q: %w", after, err)
	}
	defer rows.Close()

	var pages []replay.IDPage
	for rows.Next() {
		var page replay.IDPage
		if err := rows.Scan(&page.ID, &page.Version); err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

// actionVersion looks up an action's current persisted version, used by
// the service layer before revising an existing action through
// pkg/replay.
func actionVersion(ctx context.Context, tx *sql.Tx, actionID string) (version int, found bool, err error) {
	err = tx.QueryRowContext(ctx, `SELECT version FROM actions WHERE id = ?`, actionID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}
