package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// labRecord is guarded by its own mutex so labs never contend with each other.
type labRecord struct {
	mu       sync.Mutex
	name     string
	status   models.LabStatus
	capacity int
	stock    map[string]models.StockLevel
	// holds maps a live hold id to its items; released holds are dropped.
	holds map[string][]models.EquipmentItem
}

func (r *labRecord) snapshot(labID string) models.LabInventory {
	stock := make(map[string]models.StockLevel, len(r.stock))
	for name, level := range r.stock {
		stock[name] = level
	}
	return models.LabInventory{
		LabID:       labID,
		Name:        r.name,
		Status:      models.EffectiveStatus(r.status, r.capacity, len(r.holds)),
		Capacity:    r.capacity,
		ActiveHolds: len(r.holds),
		Stock:       stock,
	}
}

// MemoryStore keeps inventory in process. The index mutex only guards lookups
// and inserts; stock mutations take the per-lab mutex. putMu serializes lab
// definition writes so catalog I/O never runs under the index mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	putMu   sync.Mutex
	labs    map[string]*labRecord
	catalog Catalog

	// applyHook runs before each item move of a reserve; a non-nil error aborts
	// the whole reserve. Used to prove atomicity.
	applyHook func(labID string, item models.EquipmentItem) error
}

// NewMemoryStore returns an empty store. catalog may be nil.
func NewMemoryStore(catalog Catalog) *MemoryStore {
	return &MemoryStore{
		labs:    map[string]*labRecord{},
		catalog: catalog,
	}
}

// LoadCatalog restores lab definitions from the catalog without re-saving them.
func (m *MemoryStore) LoadCatalog(ctx context.Context) (int, error) {
	if m.catalog == nil {
		return 0, nil
	}
	labs, err := m.catalog.LoadLabs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load catalog: %w", err)
	}
	for _, lab := range labs {
		if _, err := m.putLab(ctx, lab, false); err != nil {
			return 0, err
		}
	}
	return len(labs), nil
}

func (m *MemoryStore) PutLab(ctx context.Context, lab models.Lab) (models.LabInventory, error) {
	return m.putLab(ctx, lab, true)
}

func (m *MemoryStore) putLab(ctx context.Context, lab models.Lab, persist bool) (models.LabInventory, error) {
	if err := models.ValidateLab(lab); err != nil {
		return models.LabInventory{}, err
	}
	lab.Status = normalizeStatus(lab.Status)

	m.putMu.Lock()
	defer m.putMu.Unlock()
	m.mu.RLock()
	rec, exists := m.labs[lab.ID]
	m.mu.RUnlock()
	if !exists {
		rec = &labRecord{stock: map[string]models.StockLevel{}, holds: map[string][]models.EquipmentItem{}}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next, err := restock(lab.ID, rec.stock, lab.Equipment)
	if err != nil {
		return models.LabInventory{}, err
	}
	if persist && m.catalog != nil {
		if err := m.catalog.SaveLab(ctx, lab); err != nil {
			return models.LabInventory{}, fmt.Errorf("save lab %s: %w", lab.ID, err)
		}
	}
	rec.name = lab.Name
	rec.status = lab.Status
	rec.capacity = lab.Capacity
	rec.stock = next
	if !exists {
		m.mu.Lock()
		m.labs[lab.ID] = rec
		m.mu.Unlock()
	}
	return rec.snapshot(lab.ID), nil
}

func (m *MemoryStore) lookup(labID string) (*labRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.labs[labID]
	if !ok {
		return nil, unknownLab(labID)
	}
	return rec, nil
}

func (m *MemoryStore) GetLab(ctx context.Context, labID string) (models.LabInventory, error) {
	rec, err := m.lookup(labID)
	if err != nil {
		return models.LabInventory{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(labID), nil
}

func (m *MemoryStore) ListLabs(ctx context.Context) ([]models.LabInventory, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.labs))
	recs := make([]*labRecord, 0, len(m.labs))
	for id, rec := range m.labs {
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]models.LabInventory, 0, len(recs))
	for i, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshot(ids[i]))
		rec.mu.Unlock()
	}
	sortInventories(out)
	return out, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, labID, holdID string, items []models.EquipmentItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if holdID == "" {
		return &models.ValidationError{Field: "holdId", Reason: "hold id required"}
	}
	if err := models.ValidateItems(items); err != nil {
		return err
	}
	rec, err := m.lookup(labID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, exists := rec.holds[holdID]; exists {
		return &models.ValidationError{Field: "holdId", Reason: fmt.Sprintf("hold %s already exists in lab %s", holdID, labID)}
	}
	if rec.status == models.LabStatusMaintenance {
		return fmt.Errorf("%w: %s is under maintenance", models.ErrLabUnavailable, labID)
	}
	if active := len(rec.holds); rec.capacity > 0 && active >= rec.capacity {
		return fmt.Errorf("%w: %s holds %d of %d", models.ErrLabAtCapacity, labID, active, rec.capacity)
	}
	if short := shortfalls(rec.stock, items); len(short) > 0 {
		return &models.InsufficientStockError{LabID: labID, Shortfalls: short}
	}

	staged := make(map[string]models.StockLevel, len(rec.stock))
	for name, level := range rec.stock {
		staged[name] = level
	}
	ordered := models.CloneItems(items)
	for _, item := range ordered {
		if m.applyHook != nil {
			if err := m.applyHook(labID, item); err != nil {
				return fmt.Errorf("reserve %s in lab %s: %w", item.Name, labID, err)
			}
		}
		level := staged[item.Name]
		level.Available -= item.Quantity
		level.Reserved += item.Quantity
		staged[item.Name] = level
	}
	rec.stock = staged
	rec.holds[holdID] = ordered
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, labID, holdID string) error {
	rec, err := m.lookup(labID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	items, ok := rec.holds[holdID]
	if !ok {
		return unknownHold(labID, holdID)
	}
	for _, item := range items {
		if rec.stock[item.Name].Reserved < item.Quantity {
			return fmt.Errorf("%w: %s reserved below hold %s", models.ErrUnknownReservationState, item.Name, holdID)
		}
	}
	for _, item := range items {
		level := rec.stock[item.Name]
		level.Reserved -= item.Quantity
		level.Available += item.Quantity
		rec.stock[item.Name] = level
	}
	delete(rec.holds, holdID)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
