package uroflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var composedAt = time.Date(2026, 3, 2, 11, 15, 0, 0, time.UTC)

func completeForm() ClinicalForm {
	f := NewClinicalForm(formDay)
	f.Name = "Ravi Kumar"
	f.Age = "61"
	f.Sex = "Male"
	f.UHID = "UH-1042"
	f.Indications = []string{IndicationOptions[0]}
	f.Qmax = "9.40"
	f.Qavg = "4.10"
	f.VoidedVolume = "210.00"
	f.FlowCurvePattern = "Plateau (flattened)"
	f.Impressions = []string{ImpressionOptions[1]}
	f.Interpretation = "Low peak flow with prolonged voiding."
	return *f
}

func testEntryContext() EntryContext {
	return EntryContext{
		Entry:     videoEntry("e1"),
		Clinician: Clinician{Name: "Dr. Meera Shah", Qualification: "MS, MCh (Urology)"},
	}
}

func newTestComposer(n NarrativeGenerator, timeout time.Duration, m Metrics) *Composer {
	c := NewComposer(n, timeout, m, zerolog.Nop())
	c.now = func() time.Time { return composedAt }
	return c
}

// conformingBody is a narrative that follows the report template for form,
// written the way a model tends to: numbered headings with trailing colons.
func conformingBody(form ClinicalForm) string {
	v := reportView{form: form}
	var b strings.Builder
	for i, s := range reportSections {
		fmt.Fprintf(&b, "## %d. %s:\n\nNarrative for %s.\n\n", i+1, s.title, strings.ToLower(s.title))
		if s.checks == nil {
			continue
		}
		for _, c := range s.checks(v) {
			writeChecklist(&b, c)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func TestCompose_RequiresPatientIdentity(t *testing.T) {
	n := narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
		t.Fatal("narrative must not be called for an invalid form")
		return "", nil
	})
	m := newCountingMetrics()
	c := newTestComposer(n, time.Second, m)

	form := completeForm()
	form.Sex = " "
	_, err := c.Compose(context.Background(), form, testEntryContext())

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "sex", ve.Field)
	assert.Empty(t, m.composed)
}

func TestCompose_RemoteNarrative(t *testing.T) {
	var got NarrativeRequest
	n := narrativeFunc(func(_ context.Context, req NarrativeRequest) (string, error) {
		got = req
		return "Here is the report you asked for.\n\n" + conformingBody(completeForm()), nil
	})
	m := newCountingMetrics()
	c := newTestComposer(n, time.Second, m)

	r, err := c.Compose(context.Background(), completeForm(), testEntryContext())
	require.NoError(t, err)

	assert.Equal(t, SourceRemote, r.Source)
	assert.Empty(t, r.Warning)
	assert.True(t, strings.HasPrefix(r.Text, ReportTitle+"\n\n## 1. Patient Details:"))
	assert.NotContains(t, r.Text, "Here is the report")
	assert.Contains(t, r.Text, "Generated: 2026-03-02 11:15 UTC")
	assert.Contains(t, r.Text, "Reporting clinician: Dr. Meera Shah, MS, MCh (Urology)")
	assert.Equal(t, "Uroflowmetry_Ravi_Kumar_2026-03-02.md", r.FileName)
	assert.Equal(t, composedAt, r.GeneratedAt)
	assert.Equal(t, 1, m.composed[string(SourceRemote)])
	assert.Equal(t, 1, m.observed)

	assert.Equal(t, narrativeInstruction, got.Instruction)
	var payload map[string]map[string]any
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "Ravi Kumar", payload["patient"]["name"])
	assert.Equal(t, "2026-03-01", payload["patient"]["study_date"])
	assert.Equal(t, "9.40", payload["flow"]["qmax_ml_s"])
	assert.Equal(t, NotAvailable, payload["flow"]["voiding_time_s"])
	assert.Equal(t, "No", payload["observations"]["straining"])
}

func TestCompose_FallsBack(t *testing.T) {
	tests := []struct {
		name      string
		narrative NarrativeGenerator
	}{
		{"not configured", nil},
		{"model error", narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
			return "", errors.New("upstream 500")
		})},
		{"empty text", narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
			return "  \n", nil
		})},
		{"missing sections", narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
			return "## Patient Details\n\nRavi\n\n## Impression\n\nBOO\n", nil
		})},
		{"wrong checkbox", narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
			return strings.Replace(conformingBody(completeForm()), "- "+CheckedBox+" ", "- "+UncheckedBox+" ", 1), nil
		})},
		{"reordered sections", narrativeFunc(func(context.Context, NarrativeRequest) (string, error) {
			titles := SectionTitles()
			titles[0], titles[1] = titles[1], titles[0]
			return "## " + strings.Join(titles, "\n\n## ") + "\n", nil
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newCountingMetrics()
			c := newTestComposer(tt.narrative, time.Second, m)

			r, err := c.Compose(context.Background(), completeForm(), testEntryContext())
			require.NoError(t, err)
			assert.Equal(t, SourceFallback, r.Source)
			assert.Equal(t, FallbackWarning, r.Warning)
			assert.True(t, conformsToTemplate(r.Text, newReportView(completeForm(), testEntryContext())))
			assert.Equal(t, 1, m.composed[string(SourceFallback)])
		})
	}
}

func TestCompose_TimeoutFallsBack(t *testing.T) {
	n := narrativeFunc(func(ctx context.Context, _ NarrativeRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := newTestComposer(n, 20*time.Millisecond, nil)

	start := time.Now()
	r, err := c.Compose(context.Background(), completeForm(), testEntryContext())
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, r.Source)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCompose_FallbackContent(t *testing.T) {
	c := newTestComposer(nil, time.Second, nil)
	form := completeForm()
	form.Name = ""

	r, err := c.Compose(context.Background(), form, testEntryContext())
	require.NoError(t, err)

	// The entry's patient name fills in for the empty form name.
	assert.Contains(t, r.Text, "- Name: Ravi Kumar\n")
	assert.Contains(t, r.Text, "- Study date: 2026-03-01\n")
	assert.Contains(t, r.Text, "- "+CheckedBox+" "+IndicationOptions[0]+"\n")
	assert.Contains(t, r.Text, "- "+UncheckedBox+" "+IndicationOptions[1]+"\n")
	assert.Contains(t, r.Text, "| Qmax (mL/s) | 9.40 |\n")
	assert.Contains(t, r.Text, "| Voiding time (s) | N/A |\n")
	assert.Contains(t, r.Text, "- "+CheckedBox+" Plateau (flattened)\n")
	assert.Contains(t, r.Text, "- "+CheckedBox+" No\n")
	assert.Contains(t, r.Text, "the top camera view")
	assert.Contains(t, r.Text, "## Recommendations\n\n"+Placeholder+"\n")
	assert.Equal(t, SectionTitles(), SectionHeaders(r.Text))
	assert.Equal(t, "Uroflowmetry_Ravi_Kumar_2026-03-02.md", r.FileName)
}

func TestCompose_FooterWithoutClinician(t *testing.T) {
	c := newTestComposer(nil, time.Second, nil)
	ec := testEntryContext()
	ec.Clinician = Clinician{}

	r, err := c.Compose(context.Background(), completeForm(), ec)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(r.Text, "Reporting clinician: "+Placeholder+"\n"))
}

func TestReportFileName(t *testing.T) {
	assert.Equal(t, "Uroflowmetry_Jane_Doe_2026-03-01.md", ReportFileName("  Jane   Doe ", "2026-03-01"))
	assert.Equal(t, "Uroflowmetry_Patient_2026-03-01.md", ReportFileName("", "2026-03-01"))
}

func TestReportDate_FallsBackToNow(t *testing.T) {
	f := completeForm()
	f.ReportDate = "next tuesday"
	assert.Equal(t, "2026-03-02", reportDate(f, composedAt))
	f.ReportDate = " 2025-12-31 "
	assert.Equal(t, "2025-12-31", reportDate(f, composedAt))
}

func TestConformsToTemplate(t *testing.T) {
	form := completeForm()
	v := reportView{form: form}
	body := conformingBody(form)

	assert.True(t, conformsToTemplate(body, v))
	assert.True(t, conformsToTemplate(strings.ToUpper(body), v))
	assert.True(t, conformsToTemplate(strings.ReplaceAll(body, "- ", "* "), v))
	assert.False(t, conformsToTemplate("", v))
	assert.False(t, conformsToTemplate(body+"## Signature\n", v))

	// Checkbox lines must match the form.
	checked := "- " + CheckedBox + " " + form.FlowCurvePattern + "\n"
	unchecked := "- " + UncheckedBox + " " + form.FlowCurvePattern + "\n"
	require.Contains(t, body, checked)
	assert.False(t, conformsToTemplate(strings.Replace(body, checked, unchecked, 1), v))
	assert.False(t, conformsToTemplate(strings.Replace(body, checked, "", 1), v))
	assert.False(t, conformsToTemplate(strings.Replace(body, checked, checked+unchecked, 1), v))
	assert.False(t, conformsToTemplate(body, reportView{form: ClinicalForm{}}))
}

func TestCompose_FreeTextCannotOpenSections(t *testing.T) {
	c := newTestComposer(nil, time.Second, nil)
	form := completeForm()
	form.Interpretation = "Obstructive.\n## Signature\n  # stamp"

	r, err := c.Compose(context.Background(), form, testEntryContext())
	require.NoError(t, err)
	assert.Equal(t, SectionTitles(), SectionHeaders(r.Text))
	assert.Contains(t, r.Text, "Obstructive.\n\\## Signature\n  \\# stamp\n")
	assert.True(t, conformsToTemplate(r.Text, newReportView(form, testEntryContext())))
}

func TestTrimPreamble(t *testing.T) {
	assert.Equal(t, "## A\nbody\n", trimPreamble("Sure!\r\n## A\r\nbody\r\n"))
	assert.Equal(t, "## A\n", trimPreamble("## A"))
	assert.Equal(t, "no headings", trimPreamble("  no headings "))
}

func TestNarrativeInstruction_ListsEverySection(t *testing.T) {
	for i, title := range SectionTitles() {
		assert.Contains(t, narrativeInstruction, fmt.Sprintf("%d. \"## %s\"", i+1, title))
	}
	for _, o := range ImpressionOptions {
		assert.Contains(t, narrativeInstruction, o)
	}
}
