// Package reportstore holds local uroflow.ReportStore implementations used
// when reports are not persisted through the backend service.
package reportstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/pkg/ident"
)

// Memory keeps reports in process memory. Listing order is newest first.
type Memory struct {
	mu      sync.RWMutex
	reports map[ident.ID]uroflow.PersistedReport
	now     func() time.Time
}

var _ uroflow.ReportStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		reports: make(map[ident.ID]uroflow.PersistedReport),
		now:     time.Now,
	}
}

func (m *Memory) ListReports(_ context.Context, entryID ident.ID) ([]uroflow.PersistedReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []uroflow.PersistedReport{}
	for _, r := range m.reports {
		if r.EntryID == entryID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateReport(_ context.Context, r uroflow.NewReport) (*uroflow.PersistedReport, error) {
	if r.EntryID.IsZero() {
		return nil, fmt.Errorf("create report: entry id is required")
	}
	saved := uroflow.PersistedReport{
		ID:          ident.ID(uuid.NewString()),
		EntryID:     r.EntryID,
		Kind:        r.Kind,
		Title:       r.Title,
		Description: r.Description,
		DocumentRef: r.DocumentRef,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	m.reports[saved.ID] = saved
	m.mu.Unlock()
	return &saved, nil
}

func (m *Memory) DeleteReport(_ context.Context, reportID ident.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[reportID]; !ok {
		return fmt.Errorf("report %s: %w", reportID, uroflow.ErrNotFound)
	}
	delete(m.reports, reportID)
	return nil
}
