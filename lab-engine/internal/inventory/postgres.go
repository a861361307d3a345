package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// PGSchema creates the inventory tables. Stock counters are constrained to
// stay non-negative so a bad update fails instead of corrupting stock.
const PGSchema = `
CREATE TABLE IF NOT EXISTS labs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'available',
	capacity    INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS lab_stock (
	lab_id    TEXT NOT NULL REFERENCES labs(id),
	item      TEXT NOT NULL,
	available INTEGER NOT NULL CHECK (available >= 0),
	reserved  INTEGER NOT NULL CHECK (reserved >= 0),
	PRIMARY KEY (lab_id, item)
);
CREATE TABLE IF NOT EXISTS lab_holds (
	hold_id     TEXT PRIMARY KEY,
	lab_id      TEXT NOT NULL REFERENCES labs(id),
	items       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	released_at TIMESTAMPTZ
);
`

// PGStore keeps inventory in Postgres. Every mutation of a lab runs in a
// transaction that first locks the lab row, which serializes reserve and
// release per lab while leaving other labs untouched.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PGSchema); err != nil {
		return fmt.Errorf("ensure inventory schema: %w", err)
	}
	return nil
}

// snapshotRead makes the labs and stock queries of one read see the same
// committed state.
var snapshotRead = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

func (s *PGStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTxOptions(ctx, nil, fn)
}

func (s *PGStore) withTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadStock(ctx context.Context, q querier, labID string) (map[string]models.StockLevel, error) {
	rows, err := q.QueryContext(ctx, `SELECT item, available, reserved FROM lab_stock WHERE lab_id=$1`, labID)
	if err != nil {
		return nil, fmt.Errorf("select stock: %w", err)
	}
	defer rows.Close()
	stock := map[string]models.StockLevel{}
	for rows.Next() {
		var (
			item  string
			level models.StockLevel
		)
		if err := rows.Scan(&item, &level.Available, &level.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		stock[item] = level
	}
	return stock, rows.Err()
}

func (s *PGStore) PutLab(ctx context.Context, lab models.Lab) (models.LabInventory, error) {
	if err := models.ValidateLab(lab); err != nil {
		return models.LabInventory{}, err
	}
	lab.Status = normalizeStatus(lab.Status)
	var out models.LabInventory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const upsert = `
			INSERT INTO labs (id, name, status, capacity)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (id)
			DO UPDATE SET name = EXCLUDED.name,
				status = EXCLUDED.status,
				capacity = EXCLUDED.capacity,
				updated_at = NOW()
		`
		if _, err := tx.ExecContext(ctx, upsert, lab.ID, lab.Name, string(lab.Status), lab.Capacity); err != nil {
			return fmt.Errorf("upsert lab: %w", err)
		}
		current, err := loadStock(ctx, tx, lab.ID)
		if err != nil {
			return err
		}
		next, err := restock(lab.ID, current, lab.Equipment)
		if err != nil {
			return err
		}
		keep := make([]string, 0, len(next))
		for _, item := range lab.Equipment {
			keep = append(keep, item.Name)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM lab_stock WHERE lab_id=$1 AND NOT (item = ANY($2))`, lab.ID, pq.Array(keep)); err != nil {
			return fmt.Errorf("prune stock: %w", err)
		}
		const upsertStock = `
			INSERT INTO lab_stock (lab_id, item, available, reserved)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (lab_id, item)
			DO UPDATE SET available = EXCLUDED.available, reserved = EXCLUDED.reserved
		`
		for _, item := range models.CloneItems(lab.Equipment) {
			level := next[item.Name]
			if _, err := tx.ExecContext(ctx, upsertStock, lab.ID, item.Name, level.Available, level.Reserved); err != nil {
				return fmt.Errorf("upsert stock %s: %w", item.Name, err)
			}
		}
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lab_holds WHERE lab_id=$1 AND released_at IS NULL`, lab.ID).Scan(&active); err != nil {
			return fmt.Errorf("count holds: %w", err)
		}
		out = models.LabInventory{
			LabID:       lab.ID,
			Name:        lab.Name,
			Status:      models.EffectiveStatus(lab.Status, lab.Capacity, active),
			Capacity:    lab.Capacity,
			ActiveHolds: active,
			Stock:       next,
		}
		return nil
	})
	if err != nil {
		return models.LabInventory{}, err
	}
	return out, nil
}

const selectLabs = `
	SELECT l.id, l.name, l.status, l.capacity,
	       (SELECT COUNT(*) FROM lab_holds h WHERE h.lab_id = l.id AND h.released_at IS NULL)
	FROM labs l
`

func (s *PGStore) GetLab(ctx context.Context, labID string) (models.LabInventory, error) {
	var inv models.LabInventory
	err := s.withTxOptions(ctx, snapshotRead, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, selectLabs+` WHERE l.id=$1`, labID).Scan(&inv.LabID, &inv.Name, &status, &inv.Capacity, &inv.ActiveHolds)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return unknownLab(labID)
			}
			return fmt.Errorf("get lab: %w", err)
		}
		inv.Status = models.EffectiveStatus(models.LabStatus(status), inv.Capacity, inv.ActiveHolds)
		inv.Stock, err = loadStock(ctx, tx, labID)
		return err
	})
	if err != nil {
		return models.LabInventory{}, err
	}
	return inv, nil
}

func (s *PGStore) ListLabs(ctx context.Context) ([]models.LabInventory, error) {
	var labs []models.LabInventory
	err := s.withTxOptions(ctx, snapshotRead, func(tx *sql.Tx) error {
		var err error
		labs, err = listLabs(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return labs, nil
}

func listLabs(ctx context.Context, tx *sql.Tx) ([]models.LabInventory, error) {
	rows, err := tx.QueryContext(ctx, selectLabs+` ORDER BY l.id`)
	if err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}
	var labs []models.LabInventory
	index := map[string]int{}
	for rows.Next() {
		var (
			inv    models.LabInventory
			status string
		)
		if err := rows.Scan(&inv.LabID, &inv.Name, &status, &inv.Capacity, &inv.ActiveHolds); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lab: %w", err)
		}
		inv.Status = models.EffectiveStatus(models.LabStatus(status), inv.Capacity, inv.ActiveHolds)
		inv.Stock = map[string]models.StockLevel{}
		index[inv.LabID] = len(labs)
		labs = append(labs, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}

	stockRows, err := tx.QueryContext(ctx, `SELECT lab_id, item, available, reserved FROM lab_stock`)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer stockRows.Close()
	for stockRows.Next() {
		var (
			labID, item string
			level       models.StockLevel
		)
		if err := stockRows.Scan(&labID, &item, &level.Available, &level.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		if i, ok := index[labID]; ok {
			labs[i].Stock[item] = level
		}
	}
	if err := stockRows.Err(); err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	return labs, nil
}

func (s *PGStore) Reserve(ctx context.Context, labID, holdID string, items []models.EquipmentItem) error {
	if holdID == "" {
		return &models.ValidationError{Field: "holdId", Reason: "hold id required"}
	}
	if err := models.ValidateItems(items); err != nil {
		return err
	}
	ordered := models.CloneItems(items)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status   string
			capacity int
		)
		err := tx.QueryRowContext(ctx, `SELECT status, capacity FROM labs WHERE id=$1 FOR UPDATE`, labID).Scan(&status, &capacity)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return unknownLab(labID)
			}
			return fmt.Errorf("lock lab: %w", err)
		}
		var active, existing int
		const countHolds = `
			SELECT COUNT(*) FILTER (WHERE released_at IS NULL),
			       COUNT(*) FILTER (WHERE hold_id = $2)
			FROM lab_holds WHERE lab_id=$1
		`
		if err := tx.QueryRowContext(ctx, countHolds, labID, holdID).Scan(&active, &existing); err != nil {
			return fmt.Errorf("count holds: %w", err)
		}
		if existing > 0 {
			return &models.ValidationError{Field: "holdId", Reason: fmt.Sprintf("hold %s already exists in lab %s", holdID, labID)}
		}
		if models.LabStatus(status) == models.LabStatusMaintenance {
			return fmt.Errorf("%w: %s is under maintenance", models.ErrLabUnavailable, labID)
		}
		if capacity > 0 && active >= capacity {
			return fmt.Errorf("%w: %s holds %d of %d", models.ErrLabAtCapacity, labID, active, capacity)
		}
		stock, err := loadStock(ctx, tx, labID)
		if err != nil {
			return err
		}
		if short := shortfalls(stock, ordered); len(short) > 0 {
			return &models.InsufficientStockError{LabID: labID, Shortfalls: short}
		}
		const move = `
			UPDATE lab_stock
			SET available = available - $3, reserved = reserved + $3
			WHERE lab_id=$1 AND item=$2 AND available >= $3
		`
		for _, item := range ordered {
			res, err := tx.ExecContext(ctx, move, labID, item.Name, item.Quantity)
			if err != nil {
				return fmt.Errorf("reserve %s: %w", item.Name, err)
			}
			if affected, _ := res.RowsAffected(); affected != 1 {
				return &models.InsufficientStockError{LabID: labID, Shortfalls: []models.EquipmentItem{item}}
			}
		}
		payload, err := json.Marshal(ordered)
		if err != nil {
			return fmt.Errorf("encode hold: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO lab_holds (hold_id, lab_id, items) VALUES ($1,$2,$3)`, holdID, labID, payload); err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}
		return nil
	})
}

func (s *PGStore) Release(ctx context.Context, labID, holdID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM labs WHERE id=$1 FOR UPDATE`, labID).Scan(&locked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return unknownLab(labID)
			}
			return fmt.Errorf("lock lab: %w", err)
		}
		var (
			payload  []byte
			released bool
		)
		err := tx.QueryRowContext(ctx, `SELECT items, released_at IS NOT NULL FROM lab_holds WHERE hold_id=$1 AND lab_id=$2`, holdID, labID).Scan(&payload, &released)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return unknownHold(labID, holdID)
			}
			return fmt.Errorf("get hold: %w", err)
		}
		if released {
			return nil
		}
		var items []models.EquipmentItem
		if err := json.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("decode hold: %w", err)
		}
		const move = `
			UPDATE lab_stock
			SET reserved = reserved - $3, available = available + $3
			WHERE lab_id=$1 AND item=$2 AND reserved >= $3
		`
		for _, item := range items {
			res, err := tx.ExecContext(ctx, move, labID, item.Name, item.Quantity)
			if err != nil {
				return fmt.Errorf("release %s: %w", item.Name, err)
			}
			if affected, _ := res.RowsAffected(); affected != 1 {
				return fmt.Errorf("%w: %s reserved below hold %s", models.ErrUnknownReservationState, item.Name, holdID)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lab_holds SET released_at=NOW() WHERE hold_id=$1`, holdID); err != nil {
			return fmt.Errorf("mark hold released: %w", err)
		}
		return nil
	})
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
