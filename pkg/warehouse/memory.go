package warehouse

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// Memory is an in-process Client with the same merge semantics as
// MergeStatement. It backs tests and local dry runs.
type Memory struct {
	mu      sync.Mutex
	project string
	tables  map[TableRef][]models.Row
	deleted []TableRef

	// Fault injection, consulted on every call when set
	InsertErr func(table TableRef, rows []models.Row) error
	MergeErr  func(main, staging TableRef) error
	DeleteErr func(table TableRef) error
}

// NewMemory creates an empty in-memory warehouse
func NewMemory(project string) *Memory {
	return &Memory{
		project: project,
		tables:  make(map[TableRef][]models.Row),
	}
}

// Project implements Client
func (m *Memory) Project() string {
	return m.project
}

// EnsureTable implements Warehouse
func (m *Memory) EnsureTable(_ context.Context, table TableRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[table]; !ok {
		m.tables[table] = []models.Row{}
	}
	return nil
}

// Insert implements Warehouse
func (m *Memory) Insert(_ context.Context, table TableRef, rows []models.Row) error {
	if m.InsertErr != nil {
		if err := m.InsertErr(table, rows); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tables[table]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", table)
	}
	m.tables[table] = append(existing, rows...)
	return nil
}

// Merge implements Consolidator
func (m *Memory) Merge(_ context.Context, main, staging TableRef) (int64, error) {
	if m.MergeErr != nil {
		if err := m.MergeErr(main, staging); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mainRows, ok := m.tables[main]
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", main)
	}
	stagedRows, ok := m.tables[staging]
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", staging)
	}

	// Collapse staged duplicates, keeping the latest of each (id, hash)
	order := make([][2]string, 0, len(stagedRows))
	staged := make(map[[2]string]models.Row, len(stagedRows))
	for _, row := range stagedRows {
		key := [2]string{row.ID, row.Hash}
		prev, ok := staged[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || row.Insert.After(prev.Insert) {
			staged[key] = row
		}
	}

	latest := Latest(mainRows)
	var appended []models.Row
	for _, key := range order {
		row := staged[key]
		if current, ok := latest[row.ID]; ok && current.Hash == row.Hash {
			continue
		}
		appended = append(appended, row)
	}

	m.tables[main] = append(mainRows, appended...)
	return int64(len(appended)), nil
}

// DeleteTable implements Warehouse
func (m *Memory) DeleteTable(_ context.Context, table TableRef) error {
	if m.DeleteErr != nil {
		if err := m.DeleteErr(table); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[table]; ok {
		delete(m.tables, table)
		m.deleted = append(m.deleted, table)
	}
	return nil
}

// Close implements Client
func (m *Memory) Close() error {
	return nil
}

// Rows returns a copy of the rows stored in table
func (m *Memory) Rows(table TableRef) []models.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]models.Row, len(m.tables[table]))
	copy(rows, m.tables[table])
	return rows
}

// Tables lists existing tables in a stable order
func (m *Memory) Tables() []TableRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make([]TableRef, 0, len(m.tables))
	for ref := range m.tables {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
	return refs
}

// Deleted lists dropped tables in deletion order
func (m *Memory) Deleted() []TableRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]TableRef(nil), m.deleted...)
}

// Opener returns an Opener that always hands out m
func (m *Memory) Opener() Opener {
	return OpenerFunc(func(context.Context, models.TargetProfile) (Client, error) {
		return m, nil
	})
}
