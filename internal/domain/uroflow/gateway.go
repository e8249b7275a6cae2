package uroflow

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/uroflow/uroflow/pkg/ident"
)

const documentPrefix = "data:text/markdown;charset=utf-8;base64,"

// EncodeDocument packs report text into a self-contained data reference.
func EncodeDocument(text string) string {
	return documentPrefix + base64.StdEncoding.EncodeToString([]byte(text))
}

// DecodeDocument reverses EncodeDocument.
func DecodeDocument(ref string) (string, error) {
	if !strings.HasPrefix(ref, documentPrefix) {
		return "", fmt.Errorf("%w: unexpected prefix", ErrMalformedDocument)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, documentPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return string(raw), nil
}

// Gateway persists composed reports and keeps the orchestrator's report list
// in step with the store.
type Gateway struct {
	store   ReportStore
	orch    *Orchestrator
	notices *Notices
	logger  zerolog.Logger

	mu       sync.Mutex
	saving   bool
	deleting bool
}

// NewGateway creates a gateway writing to store.
func NewGateway(store ReportStore, orch *Orchestrator, notices *Notices, logger zerolog.Logger) *Gateway {
	return &Gateway{store: store, orch: orch, notices: notices, logger: logger}
}

// Save stores report against entry. Only one save runs at a time; a second
// call while one is running returns ErrBusy. On success the report list is
// re-read from the store and the form is reset. On failure the form and the
// composed report are left as they were.
func (g *Gateway) Save(ctx context.Context, entry DiagnosticEntry, report *ComposedReport) (*PersistedReport, error) {
	if !g.begin(&g.saving) {
		return nil, ErrBusy
	}
	defer g.end(&g.saving)

	created, err := g.store.CreateReport(ctx, NewReport{
		EntryID:     entry.ID,
		Kind:        ReportKind,
		Title:       strings.TrimSuffix(report.FileName, ".md"),
		Description: fmt.Sprintf("Uroflowmetry report (%s)", report.Source),
		DocumentRef: EncodeDocument(report.Text),
	})
	if err != nil {
		g.logger.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("create report failed")
		g.notices.Add(NoticeError, "Report could not be saved; your form is unchanged")
		return nil, fmt.Errorf("create report: %w", err)
	}
	g.logger.Info().Str("entry_id", entry.ID.String()).Str("report_id", created.ID.String()).Msg("report saved")

	list, err := g.store.ListReports(ctx, entry.ID)
	if err != nil {
		g.logger.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("refresh reports after save failed")
		g.notices.Add(NoticeWarning, "Report saved, but the report list could not be refreshed")
	} else {
		g.orch.ReplaceReports(entry.ID, list)
	}
	// the doctor may have moved on to another entry while this save ran
	g.orch.ResetFormFor(entry.ID)
	g.notices.Add(NoticeInfo, "Report saved")
	return created, nil
}

// Delete removes a stored report of the selected entry. Without confirmation
// nothing is sent and ErrConfirmationRequired is returned. A report that is
// not in the selected entry's list is ErrNotFound. On success the report is
// removed from the local list without re-reading the store.
func (g *Gateway) Delete(ctx context.Context, reportID ident.ID, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if _, ok := g.orch.Report(reportID); !ok {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if !g.begin(&g.deleting) {
		return ErrBusy
	}
	defer g.end(&g.deleting)

	if err := g.store.DeleteReport(ctx, reportID); err != nil {
		g.logger.Error().Err(err).Str("report_id", reportID.String()).Msg("delete report failed")
		g.notices.Add(NoticeError, "Report could not be deleted")
		return fmt.Errorf("delete report: %w", err)
	}
	g.orch.RemoveReport(reportID)
	g.notices.Add(NoticeInfo, "Report deleted")
	return nil
}

// Saving reports whether a save is in progress.
func (g *Gateway) Saving() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saving
}

func (g *Gateway) begin(flag *bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (g *Gateway) end(flag *bool) {
	g.mu.Lock()
	*flag = false
	g.mu.Unlock()
}
