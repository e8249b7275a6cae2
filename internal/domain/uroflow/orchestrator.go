package uroflow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/uroflow/uroflow/pkg/ident"
)

// AnalysisPhase tracks the analysis of the selected entry.
type AnalysisPhase string

const (
	AnalysisUnknown AnalysisPhase = "unknown"
	AnalysisLoading AnalysisPhase = "loading"
	AnalysisLoaded  AnalysisPhase = "loaded"
	AnalysisAbsent  AnalysisPhase = "absent"
)

// ReportsPhase tracks the report list of the selected entry.
type ReportsPhase string

const (
	ReportsIdle    ReportsPhase = "idle"
	ReportsLoading ReportsPhase = "loading"
	ReportsLoaded  ReportsPhase = "loaded"
)

const (
	StatusIdle          = "idle"
	StatusEntrySelected = "entry_selected"
)

// Analysis run outcomes reported to Metrics.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// SelectionState is a point-in-time copy of the orchestrator.
type SelectionState struct {
	Status          string            `json:"status"`
	Selection       uint64            `json:"selection"`
	Entry           *DiagnosticEntry  `json:"entry,omitempty"`
	Reports         []PersistedReport `json:"reports"`
	ReportsPhase    ReportsPhase      `json:"reports_phase"`
	Analysis        *AnalysisResult   `json:"analysis,omitempty"`
	Metrics         *FlowMetrics      `json:"metrics,omitempty"`
	AnalysisPhase   AnalysisPhase     `json:"analysis_phase"`
	AnalysisRunning bool              `json:"analysis_running"`
	CanRunAnalysis  bool              `json:"can_run_analysis"`
	Form            ClinicalForm      `json:"form"`
}

// Orchestrator owns the current entry selection, its reports and analysis,
// and the clinical form bound to it.
//
// Every Select bumps a selection token. Fetch results carry the token they
// were started with and are dropped when it is no longer current, so a slow
// response for a previous entry never lands on the new one.
type Orchestrator struct {
	reports  ReportStore
	analyses AnalysisService
	notices  *Notices
	metrics  Metrics
	logger   zerolog.Logger
	now      func() time.Time

	// analyses already fetched this session, keyed by entry id
	cache *cache.Cache

	mu            sync.Mutex
	token         uint64
	cancel        context.CancelFunc
	entry         *DiagnosticEntry
	reportList    []PersistedReport
	reportsPhase  ReportsPhase
	analysis      *AnalysisResult
	flow          *FlowMetrics
	analysisPhase AnalysisPhase
	form          *ClinicalForm
	// result whose flow values were last written into form
	prefilled *AnalysisResult
	running   map[ident.ID]bool
}

// NewOrchestrator creates an orchestrator with nothing selected.
func NewOrchestrator(reports ReportStore, analyses AnalysisService, notices *Notices, metrics Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		reports:       reports,
		analyses:      analyses,
		notices:       notices,
		metrics:       metricsOrNoop(metrics),
		logger:        logger,
		now:           time.Now,
		cache:         cache.New(cache.NoExpiration, 0),
		reportsPhase:  ReportsIdle,
		analysisPhase: AnalysisUnknown,
		form:          NewClinicalForm(time.Now()),
		running:       make(map[ident.ID]bool),
	}
}

// Select makes entry the current selection and starts loading its reports and
// analysis concurrently. The returned channel closes once both loads finish.
// The loads outlive ctx cancellation but are cancelled by the next Select.
func (o *Orchestrator) Select(ctx context.Context, entry DiagnosticEntry) <-chan struct{} {
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.token++
	token := o.token
	o.cancel = cancel

	if o.form.EntryID != entry.ID {
		o.resetFormLocked(entry.ID)
	}
	o.entry = &entry
	o.reportList = nil
	o.reportsPhase = ReportsLoading
	o.analysis = nil
	o.flow = nil
	o.analysisPhase = AnalysisUnknown
	o.mu.Unlock()

	o.logger.Debug().Str("entry_id", entry.ID.String()).Uint64("selection", token).Msg("entry selected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()

		// Neither load cancels the other; each reports its own failure.
		var g errgroup.Group
		g.Go(func() error {
			o.loadReports(fetchCtx, token, entry.ID)
			return nil
		})
		g.Go(func() error {
			o.loadAnalysis(fetchCtx, token, entry)
			return nil
		})
		_ = g.Wait()
	}()
	return done
}

func (o *Orchestrator) loadReports(ctx context.Context, token uint64, entryID ident.ID) {
	list, err := o.reports.ListReports(ctx, entryID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if token != o.token {
		o.discardStale(token, "reports")
		return
	}
	if err != nil {
		o.logger.Error().Err(err).Str("entry_id", entryID.String()).Msg("list reports failed")
		o.metrics.FetchFailed("reports")
		o.notices.Add(NoticeError, "Could not load reports for this entry")
		list = nil
	}
	if list == nil {
		list = []PersistedReport{}
	}
	o.reportList = list
	o.reportsPhase = ReportsLoaded
}

func (o *Orchestrator) loadAnalysis(ctx context.Context, token uint64, entry DiagnosticEntry) {
	if cached, ok := o.cache.Get(entry.ID.String()); ok {
		o.mu.Lock()
		defer o.mu.Unlock()
		if token != o.token {
			o.discardStale(token, "analysis")
			return
		}
		o.applyAnalysisLocked(entry, cached.(*AnalysisResult), false)
		return
	}

	o.mu.Lock()
	if token == o.token {
		o.analysisPhase = AnalysisLoading
	}
	o.mu.Unlock()

	res, err := o.analyses.GetAnalysis(ctx, entry.ID)
	if err == nil {
		o.cache.Set(entry.ID.String(), res, cache.NoExpiration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if token != o.token {
		o.discardStale(token, "analysis")
		return
	}
	if o.analysisPhase == AnalysisLoaded {
		// a run for this entry finished first and is newer
		return
	}
	switch {
	case err == nil:
		o.applyAnalysisLocked(entry, res, false)
	case errors.Is(err, ErrNotFound):
		o.analysisPhase = AnalysisAbsent
	default:
		o.logger.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("get analysis failed")
		o.metrics.FetchFailed("analysis")
		o.notices.Add(NoticeWarning, "Could not load the analysis for this entry")
		o.analysisPhase = AnalysisAbsent
	}
}

func (o *Orchestrator) discardStale(token uint64, kind string) {
	o.metrics.StaleResponse()
	o.logger.Debug().Uint64("selection", token).Uint64("current", o.token).Str("kind", kind).Msg("discarding stale response")
}

// applyAnalysisLocked records a loaded analysis and pre-fills the form's flow
// fields from it. A payload that cannot be parsed clears those fields.
//
// A result already written into the current form is not written again, so
// re-selecting an entry keeps the doctor's flow edits. fresh marks a result
// produced by a run, which always pre-fills.
func (o *Orchestrator) applyAnalysisLocked(entry DiagnosticEntry, res *AnalysisResult, fresh bool) {
	o.analysis = res
	o.analysisPhase = AnalysisLoaded

	m, err := ParseFlowMetrics(res.Payload)
	if err != nil {
		if !errors.Is(err, ErrNoPayload) {
			o.logger.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("analysis payload unreadable")
		}
		o.flow = nil
	} else {
		o.flow = m
	}
	if !fresh && o.alreadyPrefilledLocked(res) {
		return
	}
	o.prefilled = res
	if err != nil {
		o.form.ClearFlowMetrics()
		return
	}
	o.form.MergeFlowMetrics(*m)
	if strings.TrimSpace(o.form.Name) == "" && entry.PatientName != "" {
		o.form.Name = entry.PatientName
	}
}

func (o *Orchestrator) alreadyPrefilledLocked(res *AnalysisResult) bool {
	p := o.prefilled
	if p == nil {
		return false
	}
	return p == res || (res.ID != "" && p.ID == res.ID && p.EntryID == res.EntryID)
}

// CanRunAnalysis reports whether a new analysis may be started for entry.
func (o *Orchestrator) CanRunAnalysis(entry DiagnosticEntry) bool {
	if !entry.HasVideo() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.running[entry.ID]
}

// RunAnalysis starts an analysis of entry's video. It returns ErrNoVideo when
// the entry has nothing to analyse and ErrRunInFlight when a run for the same
// entry is still going. The run continues after ctx ends; the returned channel
// closes when it finishes.
func (o *Orchestrator) RunAnalysis(ctx context.Context, entry DiagnosticEntry) (<-chan struct{}, error) {
	if !entry.HasVideo() {
		return nil, ErrNoVideo
	}

	o.mu.Lock()
	if o.running[entry.ID] {
		o.mu.Unlock()
		return nil, ErrRunInFlight
	}
	o.running[entry.ID] = true
	o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := o.analyses.RunAnalysis(runCtx, entry.ID)

		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.running, entry.ID)
		if err != nil {
			o.logger.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("analysis run failed")
			o.metrics.AnalysisRun(RunFailed)
			o.notices.Add(NoticeError, "Analysis run failed; the previous result is unchanged")
			return
		}
		o.metrics.AnalysisRun(RunSucceeded)
		o.cache.Set(entry.ID.String(), res, cache.NoExpiration)
		o.notices.Add(NoticeInfo, "Analysis completed")
		if o.entry != nil && o.entry.ID == entry.ID {
			o.applyAnalysisLocked(*o.entry, res, true)
		}
	}()
	return done, nil
}

// Current returns the selected entry.
func (o *Orchestrator) Current() (DiagnosticEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entry == nil {
		return DiagnosticEntry{}, false
	}
	return *o.entry, true
}

// EditForm applies fn to the form under the orchestrator lock.
func (o *Orchestrator) EditForm(fn func(*ClinicalForm) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn(o.form)
}

// FormSnapshot returns a deep copy of the form.
func (o *Orchestrator) FormSnapshot() ClinicalForm {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.form.Snapshot()
}

// ResetForm returns the form to its defaults, keeping it bound to the
// selected entry.
func (o *Orchestrator) ResetForm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetFormLocked(o.form.EntryID)
}

// ResetFormFor resets the form only while it is still bound to entryID.
// It reports whether the form was reset.
func (o *Orchestrator) ResetFormFor(entryID ident.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.form.EntryID != entryID {
		return false
	}
	o.resetFormLocked(entryID)
	return true
}

func (o *Orchestrator) resetFormLocked(entryID ident.ID) {
	o.form.Reset(o.now())
	o.form.EntryID = entryID
	o.prefilled = nil
}

// ReplaceReports installs an authoritative report list for entryID, if that
// entry is still selected.
func (o *Orchestrator) ReplaceReports(entryID ident.ID, list []PersistedReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entry == nil || o.entry.ID != entryID {
		return
	}
	o.reportList = slices.Clone(list)
	o.reportsPhase = ReportsLoaded
}

// RemoveReport drops a report from the local list.
func (o *Orchestrator) RemoveReport(reportID ident.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reportList = slices.DeleteFunc(o.reportList, func(r PersistedReport) bool {
		return r.ID == reportID
	})
}

// Report finds a report of the selected entry.
func (o *Orchestrator) Report(reportID ident.ID) (PersistedReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.reportList {
		if r.ID == reportID {
			return r, true
		}
	}
	return PersistedReport{}, false
}

// State returns a copy of the current selection.
func (o *Orchestrator) State() SelectionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := SelectionState{
		Status:        StatusIdle,
		Selection:     o.token,
		Reports:       slices.Clone(o.reportList),
		ReportsPhase:  o.reportsPhase,
		AnalysisPhase: o.analysisPhase,
		Form:          o.form.Snapshot(),
	}
	if s.Reports == nil {
		s.Reports = []PersistedReport{}
	}
	if o.entry != nil {
		e := *o.entry
		s.Status = StatusEntrySelected
		s.Entry = &e
		s.AnalysisRunning = o.running[e.ID]
		s.CanRunAnalysis = e.HasVideo() && !s.AnalysisRunning
	}
	if o.analysis != nil {
		a := *o.analysis
		s.Analysis = &a
	}
	if o.flow != nil {
		m := *o.flow
		s.Metrics = &m
	}
	return s
}

// Close cancels in-flight selection loads.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}
