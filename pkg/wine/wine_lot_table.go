package wine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/replay"
	"github.com/shopspring/decimal"
)

// createWineLotsTableSQL defines spec.md §6's "wine_lots" snapshot table: one row per
// aggregate holding its current (optimistically versioned) projection,
// separate from the wine_lot event log pkg/eventstore owns. Grounded on
// pkg/sqlite/eventstore.go's table-creation/migration shape.
// Composition is deliberately absent from this schema: spec.md §3/§4.6
// ("Composition is NOT persisted on WineLot; component tables are
// optional denormalization") derives it entirely from the event log via
// pkg/composition, matching original_source's WineLot model, which
// likewise stores only code/volume/deleted_at and no variety/
// appellation/vintage columns.
const createWineLotsTableSQL = `
CREATE TABLE IF NOT EXISTS wine_lots (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	code TEXT NOT NULL,
	volume TEXT NOT NULL,
	deleted_at TIMESTAMP,
	retired_code TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_wine_lots_active_code ON wine_lots(code) WHERE deleted_at IS NULL;
`

// EnsureWineLotsSchema creates the wine_lots snapshot table if absent.
func EnsureWineLotsSchema(db *sql.DB) error {
	_, err := db.Exec(createWineLotsTableSQL)
	return err
}

// InsertRow implements domain.RowPersister for a brand-new WineLot.
func (w *WineLot) InsertRow(ctx context.Context, tx *sql.Tx) error {
	var deletedAt interface{}
	if w.DeletedAt != nil {
		deletedAt = *w.DeletedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wine_lots (id, version, code, volume, deleted_at, retired_code)
		VALUES (?, 1, ?, ?, ?, ?)`,
		w.ID(), w.Code, w.Volume.String(), deletedAt, w.RetiredCode)
	return err
}

// UpdateRow implements domain.RowPersister's optimistic compare-and-update.
func (w *WineLot) UpdateRow(ctx context.Context, tx *sql.Tx, expectedVersion int) (int64, error) {
	var deletedAt interface{}
	if w.DeletedAt != nil {
		deletedAt = *w.DeletedAt
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE wine_lots
		SET version = ?, code = ?, volume = ?, deleted_at = ?, retired_code = ?
		WHERE id = ? AND version = ?`,
		expectedVersion+1, w.Code, w.Volume.String(), deletedAt, w.RetiredCode,
		w.ID(), expectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Persist runs the generic optimistic insert-or-update algorithm
// (domain.Persist), passing itself as the RowPersister.
func (w *WineLot) Persist(ctx context.Context, tx *sql.Tx) error {
	return domain.Persist(ctx, &w.AggregateBase, tx, w)
}

// WineLotLister implements pkg/replay.IDLister and
// pkg/composition.LotExistenceChecker over the wine_lots snapshot table.
type WineLotLister struct{}

var _ replay.IDLister = WineLotLister{}

// ListIDsAfter returns up to limit rows with id > after, ordered
// ascending — spec.md §4.4.6's cursor pagination contract. limit <= 0
// means unlimited.
func (WineLotLister) ListIDsAfter(ctx context.Context, tx *sql.Tx, after string, limit int) ([]replay.IDPage, error) {
	query := `SELECT id, version FROM wine_lots WHERE id > ? ORDER BY id ASC`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("wine: list wine_lots after %q: %w", after, err)
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

// LotExists implements pkg/composition.LotExistenceChecker: a lot
// "exists" for composition purposes even if it has since been deleted —
// spec.md §4.6 step 3 only requires that the id was ever a real lot, not
// that it is still active.
func (WineLotLister) LotExists(ctx context.Context, tx *sql.Tx, lotID string) (bool, error) {
	var dummy int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM wine_lots WHERE id = ?`, lotID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ParseVolume decimal-parses the stored volume column, used by tests
// and read paths that only need the snapshot's volume.
func ParseVolume(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// lotVersion looks up a lot's current persisted version, used by
// pkg/wine's service layer to seed an identity() instance before handing
// it to pkg/replay. found is false when no row with that id exists, which
// callers report as MissingEntity.
func lotVersion(ctx context.Context, tx *sql.Tx, lotID string) (version int, found bool, err error) {
	err = tx.QueryRowContext(ctx, `SELECT version FROM wine_lots WHERE id = ?`, lotID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}
