// Package repotest provides an in-memory CRM configuration repository for
// tests.
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tennex/crmgateway/internal/repo"
)

var _ repo.CRMConfigRepository = (*Memory)(nil)

type memoryRow struct {
	repo.CRMConfig
	deleted bool
}

// Memory is an in-memory CRMConfigRepository that keeps the same
// single-active rule as the SQL implementation. It is safe for
// concurrent use.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	rows   []*memoryRow
	clock  time.Time
}

// NewMemory creates an empty repository. Its clock starts at 2024-01-01 UTC
// and advances one second per write.
func NewMemory() *Memory {
	return &Memory{clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) live(refID string) []*memoryRow {
	var rows []*memoryRow
	for _, r := range m.rows {
		if !r.deleted && r.RefID == refID {
			rows = append(rows, r)
		}
	}
	return rows
}

func (m *Memory) setActive(refID string, id int64, active bool) {
	now := m.tick()
	for _, r := range m.live(refID) {
		r.IsActive = r.ID == id && active
		r.UpdatedAt = now
	}
}

func (m *Memory) Upsert(ctx context.Context, p repo.UpsertCRMConfigParams) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var row *memoryRow
	for _, r := range m.live(p.RefID) {
		if r.Name == p.Name {
			row = r
		}
	}
	now := m.tick()
	if row == nil {
		m.nextID++
		row = &memoryRow{CRMConfig: repo.CRMConfig{ID: m.nextID, RefID: p.RefID, Name: p.Name, CreatedAt: now}}
		m.rows = append(m.rows, row)
	}
	row.RefType = p.RefType
	row.Config = p.Config
	row.UpdatedAt = now

	if p.Activate {
		for _, r := range m.live(p.RefID) {
			r.IsActive = r.ID == row.ID
		}
	}
	return row.CRMConfig, nil
}

func (m *Memory) UpdateConfig(ctx context.Context, refID, name string, config json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.live(refID) {
		if r.Name == name {
			r.Config = config
			r.UpdatedAt = m.tick()
			return nil
		}
	}
	return repo.ErrNotFound
}

func (m *Memory) ListByRef(ctx context.Context, refID string) ([]repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := []repo.CRMConfig{}
	for _, r := range m.live(refID) {
		configs = append(configs, r.CRMConfig)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID > configs[j].ID })
	return configs, nil
}

func (m *Memory) GetByID(ctx context.Context, refID string, id int64) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.live(refID) {
		if r.ID == id {
			return r.CRMConfig, nil
		}
	}
	return repo.CRMConfig{}, repo.ErrNotFound
}

func (m *Memory) GetActive(ctx context.Context, refID string) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.live(refID) {
		if r.IsActive {
			return r.CRMConfig, nil
		}
	}
	return repo.CRMConfig{}, repo.ErrNotFound
}

func (m *Memory) ToggleActive(ctx context.Context, refID string, id int64) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.live(refID) {
		if r.ID == id {
			m.setActive(refID, id, !r.IsActive)
			return r.CRMConfig, nil
		}
	}
	return repo.CRMConfig{}, repo.ErrNotFound
}

func (m *Memory) SoftDelete(ctx context.Context, refID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.live(refID) {
		if r.ID == id {
			r.deleted = true
			r.IsActive = false
			return nil
		}
	}
	return repo.ErrNotFound
}

func configMap(raw json.RawMessage) map[string]string {
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (m *Memory) FindByIdentity(ctx context.Context, name string, identity json.RawMessage, excludeRefID string) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := configMap(identity)
	for _, r := range m.rows {
		if r.deleted || r.Name != name || r.RefID == excludeRefID {
			continue
		}
		have := configMap(r.Config)
		match := true
		for k, v := range want {
			if have[k] != v {
				match = false
			}
		}
		if match {
			return r.CRMConfig, nil
		}
	}
	return repo.CRMConfig{}, repo.ErrNotFound
}

func (m *Memory) FindByConfigValue(ctx context.Context, name, key, value string) (repo.CRMConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *memoryRow
	for _, r := range m.rows {
		if r.deleted || r.Name != name || configMap(r.Config)[key] != value {
			continue
		}
		if found == nil || (r.IsActive && !found.IsActive) {
			found = r
		}
	}
	if found == nil {
		return repo.CRMConfig{}, repo.ErrNotFound
	}
	return found.CRMConfig, nil
}

// ActiveCount returns how many live configurations of refID are active.
func (m *Memory) ActiveCount(refID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.live(refID) {
		if r.IsActive {
			n++
		}
	}
	return n
}
