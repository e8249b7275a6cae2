package uroflow

import (
	"context"

	"github.com/uroflow/uroflow/pkg/ident"
)

// EntryService reads the doctor's diagnostic entries.
type EntryService interface {
	ListEntries(ctx context.Context) ([]DiagnosticEntry, error)
	GetEntry(ctx context.Context, id ident.ID) (*DiagnosticEntry, error)
}

// ReportStore persists composed reports.
type ReportStore interface {
	ListReports(ctx context.Context, entryID ident.ID) ([]PersistedReport, error)
	CreateReport(ctx context.Context, r NewReport) (*PersistedReport, error)
	DeleteReport(ctx context.Context, reportID ident.ID) error
}

// AnalysisService reads and triggers video analyses. GetAnalysis returns an
// error wrapping ErrNotFound when the entry was never analysed.
type AnalysisService interface {
	GetAnalysis(ctx context.Context, entryID ident.ID) (*AnalysisResult, error)
	RunAnalysis(ctx context.Context, entryID ident.ID) (*AnalysisResult, error)
}

// ProfileService resolves the signed-in clinician.
type ProfileService interface {
	GetClinician(ctx context.Context) (*Clinician, error)
}
