package uroflow

import (
	"encoding/json"
	"time"

	"github.com/uroflow/uroflow/pkg/ident"
)

// ReportKind is the report type tag stored with every persisted uroflowmetry report.
const ReportKind = "uroflowmetry"

// DiagnosticEntry is one recorded uroflowmetry session.
type DiagnosticEntry struct {
	ID             ident.ID  `json:"id"`
	PatientID      ident.ID  `json:"patient_id"`
	PatientName    string    `json:"patient_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	VoidedAmount   *float64  `json:"voided_amount,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	VideoTopURL    *string   `json:"video_top_url,omitempty"`
	VideoBottomURL *string   `json:"video_bottom_url,omitempty"`
}

// HasVideo reports whether at least one video reference is attached to the entry.
func (e *DiagnosticEntry) HasVideo() bool {
	return nonEmpty(e.VideoTopURL) || nonEmpty(e.VideoBottomURL)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

// AnalysisResult is the analysis service's output for an entry. Payload holds
// the serialized numeric results and may be absent.
type AnalysisResult struct {
	ID                ident.ID        `json:"id"`
	EntryID           ident.ID        `json:"entry_id"`
	Payload           json.RawMessage `json:"results,omitempty"`
	AnnotatedVideoURL *string         `json:"annotated_video_url,omitempty"`
	ClinicalChartURL  *string         `json:"clinical_chart_url,omitempty"`
	TimeSeriesURL     *string         `json:"timeseries_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// PersistedReport is a report already stored by the report service.
type PersistedReport struct {
	ID          ident.ID  `json:"id"`
	EntryID     ident.ID  `json:"entry_id"`
	Kind        string    `json:"report_type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DocumentRef string    `json:"file_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewReport is the create request sent to the report service.
type NewReport struct {
	EntryID     ident.ID `json:"entry_id"`
	Kind        string   `json:"report_type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DocumentRef string   `json:"file_url"`
}

// ReportSource records which strategy produced a composed report.
type ReportSource string

const (
	SourceRemote   ReportSource = "remote"
	SourceFallback ReportSource = "fallback"
)

// ComposedReport is a rendered report that has not been persisted yet.
type ComposedReport struct {
	Text        string       `json:"text"`
	FileName    string       `json:"file_name"`
	Source      ReportSource `json:"source"`
	Warning     string       `json:"warning,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Clinician identifies the reporting doctor in the report footer.
type Clinician struct {
	Name          string `json:"name"`
	Qualification string `json:"qualification"`
}

// EntryContext is what the composer needs to know besides the form.
type EntryContext struct {
	Entry     DiagnosticEntry
	Clinician Clinician
}
