package uroflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/uroflow/uroflow/pkg/ident"
)

// DefaultIdleTTL is how long an untouched workspace is kept.
const DefaultIdleTTL = 2 * time.Hour

// Dependencies are the collaborators shared by all workspaces.
type Dependencies struct {
	Entries          EntryService
	Reports          ReportStore
	Analyses         AnalysisService
	Profiles         ProfileService
	Narrative        NarrativeGenerator
	Metrics          Metrics
	Logger           zerolog.Logger
	NarrativeTimeout time.Duration
	NoticeTTL        time.Duration
}

// Workspace is one signed-in doctor's working state: the selection, the form,
// the last composed report and the doctor's notices.
type Workspace struct {
	UserID string

	entries  EntryService
	profiles ProfileService
	orch     *Orchestrator
	composer *Composer
	gateway  *Gateway
	notices  *Notices
	logger   zerolog.Logger

	mu        sync.Mutex
	entryList []DiagnosticEntry
	composing bool
	last      *ComposedReport
	lastEntry ident.ID
	clinician *Clinician
}

// WorkspaceState is what the UI renders.
type WorkspaceState struct {
	SelectionState
	LastReport *ComposedReport `json:"last_report,omitempty"`
	Composing  bool            `json:"composing"`
	Saving     bool            `json:"saving"`
	Notices    []Notice        `json:"notices"`
}

// NewWorkspace creates an empty workspace for userID.
func NewWorkspace(userID string, deps Dependencies) *Workspace {
	logger := deps.Logger.With().Str("user_id", userID).Logger()
	notices := NewNotices(deps.NoticeTTL)
	orch := NewOrchestrator(deps.Reports, deps.Analyses, notices, deps.Metrics, logger)
	return &Workspace{
		UserID:   userID,
		entries:  deps.Entries,
		profiles: deps.Profiles,
		orch:     orch,
		composer: NewComposer(deps.Narrative, deps.NarrativeTimeout, deps.Metrics, logger),
		gateway:  NewGateway(deps.Reports, orch, notices, logger),
		notices:  notices,
		logger:   logger,
	}
}

// Entries lists the doctor's entries, newest first.
func (w *Workspace) Entries(ctx context.Context) ([]DiagnosticEntry, error) {
	list, err := w.entries.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	w.mu.Lock()
	w.entryList = list
	w.mu.Unlock()
	return list, nil
}

func (w *Workspace) lookup(ctx context.Context, id ident.ID) (DiagnosticEntry, error) {
	w.mu.Lock()
	for _, e := range w.entryList {
		if e.ID == id {
			w.mu.Unlock()
			return e, nil
		}
	}
	w.mu.Unlock()

	e, err := w.entries.GetEntry(ctx, id)
	if err != nil {
		return DiagnosticEntry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return *e, nil
}

// Select makes the entry with id current. See Orchestrator.Select.
func (w *Workspace) Select(ctx context.Context, id ident.ID) (<-chan struct{}, error) {
	entry, err := w.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.orch.Select(ctx, entry), nil
}

// RunAnalysis starts an analysis run for the entry with id.
func (w *Workspace) RunAnalysis(ctx context.Context, id ident.ID) (<-chan struct{}, error) {
	entry, err := w.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.orch.RunAnalysis(ctx, entry)
}

// UpdateForm applies form edits to the selected entry's form.
func (w *Workspace) UpdateForm(ops []FormOp) (ClinicalForm, error) {
	if _, ok := w.orch.Current(); !ok {
		return ClinicalForm{}, ErrNoSelection
	}
	var snap ClinicalForm
	err := w.orch.EditForm(func(f *ClinicalForm) error {
		if err := f.Apply(ops...); err != nil {
			return err
		}
		snap = f.Snapshot()
		return nil
	})
	return snap, err
}

// ResetForm discards the form's edits.
func (w *Workspace) ResetForm() {
	w.orch.ResetForm()
}

// Compose renders a report from the current form. Only one composition runs
// at a time per workspace.
func (w *Workspace) Compose(ctx context.Context) (*ComposedReport, error) {
	entry, ok := w.orch.Current()
	if !ok {
		return nil, ErrNoSelection
	}

	w.mu.Lock()
	if w.composing {
		w.mu.Unlock()
		return nil, ErrBusy
	}
	w.composing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.composing = false
		w.mu.Unlock()
	}()

	report, err := w.composer.Compose(ctx, w.orch.FormSnapshot(), EntryContext{
		Entry:     entry,
		Clinician: w.clinicianFor(ctx),
	})
	if err != nil {
		return nil, err
	}
	if report.Warning != "" {
		w.notices.Add(NoticeWarning, report.Warning)
	}

	w.mu.Lock()
	w.last = report
	w.lastEntry = entry.ID
	w.mu.Unlock()
	return report, nil
}

func (w *Workspace) clinicianFor(ctx context.Context) Clinician {
	w.mu.Lock()
	cached := w.clinician
	w.mu.Unlock()
	if cached != nil {
		return *cached
	}
	if w.profiles == nil {
		return Clinician{}
	}

	c, err := w.profiles.GetClinician(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("clinician profile unavailable")
		return Clinician{}
	}
	w.mu.Lock()
	w.clinician = c
	w.mu.Unlock()
	return *c
}

// Save persists the last composed report of the selected entry.
func (w *Workspace) Save(ctx context.Context) (*PersistedReport, error) {
	entry, ok := w.orch.Current()
	if !ok {
		return nil, ErrNoSelection
	}
	w.mu.Lock()
	report, reportEntry := w.last, w.lastEntry
	w.mu.Unlock()
	if report == nil || reportEntry != entry.ID {
		return nil, ErrNothingToSave
	}

	saved, err := w.gateway.Save(ctx, entry, report)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.last == report {
		w.last = nil
	}
	w.mu.Unlock()
	return saved, nil
}

// Delete removes a stored report. See Gateway.Delete.
func (w *Workspace) Delete(ctx context.Context, reportID ident.ID, confirmed bool) error {
	return w.gateway.Delete(ctx, reportID, confirmed)
}

// Document returns the file name and text of a stored report of the selected entry.
func (w *Workspace) Document(reportID ident.ID) (string, string, error) {
	r, ok := w.orch.Report(reportID)
	if !ok {
		return "", "", fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	text, err := DecodeDocument(r.DocumentRef)
	if err != nil {
		return "", "", err
	}
	return r.Title + ".md", text, nil
}

// Notices returns the workspace's unexpired notices.
func (w *Workspace) Notices() []Notice {
	return w.notices.List()
}

// DismissNotice removes a notice.
func (w *Workspace) DismissNotice(id string) {
	w.notices.Dismiss(id)
}

// State returns a copy of the workspace.
func (w *Workspace) State() WorkspaceState {
	s := WorkspaceState{
		SelectionState: w.orch.State(),
		Saving:         w.gateway.Saving(),
		Notices:        w.notices.List(),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Composing = w.composing
	if w.last != nil && s.Entry != nil && w.lastEntry == s.Entry.ID {
		r := *w.last
		s.LastReport = &r
	}
	return s
}

// Close releases the workspace's in-flight loads.
func (w *Workspace) Close() {
	w.orch.Close()
}

// Registry holds one workspace per signed-in user and drops workspaces that
// have not been touched for the idle TTL.
type Registry struct {
	deps  Dependencies
	items *cache.Cache
	mu    sync.Mutex
}

// NewRegistry creates a registry whose workspaces expire after idleTTL.
func NewRegistry(deps Dependencies, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	cleanup := idleTTL / 4
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	items := cache.New(idleTTL, cleanup)
	items.OnEvicted(func(userID string, v interface{}) {
		v.(*Workspace).Close()
	})
	return &Registry{deps: deps, items: items}
}

// Get returns userID's workspace, creating it on first use, and refreshes its
// idle deadline.
func (r *Registry) Get(userID string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items.Get(userID); ok {
		ws := v.(*Workspace)
		r.items.SetDefault(userID, ws)
		return ws
	}
	ws := NewWorkspace(userID, r.deps)
	r.items.SetDefault(userID, ws)
	return ws
}

// Drop closes and forgets userID's workspace.
func (r *Registry) Drop(userID string) {
	r.items.Delete(userID)
}

// Len returns the number of live workspaces.
func (r *Registry) Len() int {
	return r.items.ItemCount()
}
