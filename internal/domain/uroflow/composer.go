package uroflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultNarrativeTimeout bounds a single remote narrative request.
const DefaultNarrativeTimeout = 45 * time.Second

// FallbackWarning accompanies every report produced by the deterministic renderer.
const FallbackWarning = "AI generation unavailable; report generated from standard template"

// NarrativeRequest is what the composer sends to a narrative model.
type NarrativeRequest struct {
	Instruction string
	Payload     []byte
}

// NarrativeGenerator turns a structured report payload into report text.
type NarrativeGenerator interface {
	Generate(ctx context.Context, req NarrativeRequest) (string, error)
}

var (
	errNarrativeDisabled = errors.New("narrative generation not configured")
	errEmptyNarrative    = errors.New("narrative model returned no text")
	errNonConforming     = errors.New("narrative does not follow the report template")
)

// Composer renders a report from a form snapshot. It tries the narrative
// model first and falls back to the deterministic template on any failure.
type Composer struct {
	narrative NarrativeGenerator
	timeout   time.Duration
	metrics   Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewComposer creates a composer. A nil narrative generator makes every
// report come from the template.
func NewComposer(narrative NarrativeGenerator, timeout time.Duration, metrics Metrics, logger zerolog.Logger) *Composer {
	if timeout <= 0 {
		timeout = DefaultNarrativeTimeout
	}
	return &Composer{
		narrative: narrative,
		timeout:   timeout,
		metrics:   metricsOrNoop(metrics),
		logger:    logger,
		now:       time.Now,
	}
}

// Compose validates the form and renders a report. It never persists anything.
func (c *Composer) Compose(ctx context.Context, form ClinicalForm, ec EntryContext) (*ComposedReport, error) {
	if err := form.Validate(ec.Entry.PatientName); err != nil {
		return nil, err
	}

	view := newReportView(form, ec)
	source := SourceRemote
	warning := ""

	body, err := c.remote(ctx, view)
	if err != nil {
		c.logger.Warn().Err(err).Str("entry_id", ec.Entry.ID.String()).Msg("narrative generation failed, using template")
		body = renderSections(view)
		source = SourceFallback
		warning = FallbackWarning
	}

	now := c.now()
	text := ReportTitle + "\n\n" + body + "\n" + renderFooter(now, ec.Clinician)
	c.metrics.ReportComposed(string(source))

	return &ComposedReport{
		Text:        text,
		FileName:    ReportFileName(view.name, reportDate(form, now)),
		Source:      source,
		Warning:     warning,
		GeneratedAt: now,
	}, nil
}

func (c *Composer) remote(ctx context.Context, view reportView) (string, error) {
	if c.narrative == nil {
		return "", errNarrativeDisabled
	}
	payload, err := json.Marshal(buildPayload(view))
	if err != nil {
		return "", fmt.Errorf("encode report payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	text, err := c.narrative.Generate(ctx, NarrativeRequest{Instruction: narrativeInstruction, Payload: payload})
	c.metrics.NarrativeObserved(time.Since(start), err == nil)
	if err != nil {
		return "", err
	}

	body := trimPreamble(text)
	if body == "" {
		return "", errEmptyNarrative
	}
	if !conformsToTemplate(body, view) {
		return "", fmt.Errorf("%w: got headings %q", errNonConforming, SectionHeaders(body))
	}
	return body, nil
}

func reportDate(form ClinicalForm, now time.Time) string {
	if d, err := time.Parse(DateLayout, strings.TrimSpace(form.ReportDate)); err == nil {
		return d.Format(DateLayout)
	}
	return now.Format(DateLayout)
}

// ReportFileName builds the download name for a report, for example
// "Uroflowmetry_Jane_Doe_2026-03-01.md".
func ReportFileName(patientName, date string) string {
	name := strings.Join(strings.Fields(patientName), "_")
	if name == "" {
		name = "Patient"
	}
	return fmt.Sprintf("Uroflowmetry_%s_%s.md", name, date)
}

// reportPayload is the normalized form handed to the narrative model.
type reportPayload struct {
	Patient      patientBlock     `json:"patient"`
	Flow         flowBlock        `json:"flow"`
	Observations observationBlock `json:"observations"`
}

type patientBlock struct {
	Name            string `json:"name"`
	Age             string `json:"age"`
	Sex             string `json:"sex"`
	UHID            string `json:"uhid"`
	ReportDate      string `json:"report_date"`
	StudyDate       string `json:"study_date,omitempty"`
	Indication      string `json:"indication"`
	IndicationOther string `json:"indication_other"`
}

type flowBlock struct {
	VoidedVolume string `json:"voided_volume_ml"`
	Qmax         string `json:"qmax_ml_s"`
	Qavg         string `json:"qavg_ml_s"`
	VoidingTime  string `json:"voiding_time_s"`
	TimeToQmax   string `json:"time_to_qmax_s"`
}

type observationBlock struct {
	FlowCurvePattern  string `json:"flow_curve_pattern"`
	StreamPattern     string `json:"stream_pattern"`
	Initiation        string `json:"initiation"`
	Straining         string `json:"straining"`
	MeatalAbnormality string `json:"meatal_abnormality"`
	Impression        string `json:"impression"`
	Interpretation    string `json:"interpretation"`
	Recommendations   string `json:"recommendations"`
}

func buildPayload(v reportView) reportPayload {
	f := v.form
	p := reportPayload{
		Patient: patientBlock{
			Name:            v.name,
			Age:             strings.TrimSpace(f.Age),
			Sex:             strings.TrimSpace(f.Sex),
			UHID:            strings.TrimSpace(f.UHID),
			ReportDate:      f.ReportDate,
			Indication:      strings.Join(f.Indications, ", "),
			IndicationOther: strings.TrimSpace(f.IndicationOther),
		},
		Flow: flowBlock{
			VoidedVolume: flowOr(f.VoidedVolume),
			Qmax:         flowOr(f.Qmax),
			Qavg:         flowOr(f.Qavg),
			VoidingTime:  flowOr(f.VoidingTime),
			TimeToQmax:   flowOr(f.TimeToQmax),
		},
		Observations: observationBlock{
			FlowCurvePattern:  f.FlowCurvePattern,
			StreamPattern:     f.StreamPattern,
			Initiation:        f.Initiation,
			Straining:         yesNo(f.Straining),
			MeatalAbnormality: f.MeatalAbnormality,
			Impression:        strings.Join(f.Impressions, ", "),
			Interpretation:    strings.TrimSpace(f.Interpretation),
			Recommendations:   strings.TrimSpace(f.Recommendations),
		},
	}
	if !v.entry.CreatedAt.IsZero() {
		p.Patient.StudyDate = v.entry.CreatedAt.Format(DateLayout)
	}
	return p
}
