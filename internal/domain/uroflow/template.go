package uroflow

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// ReportTitle heads every composed report.
	ReportTitle = "# Uroflowmetry Report"

	// Placeholder stands in for free text the doctor left empty.
	Placeholder = "__________"

	CheckedBox   = "☑"
	UncheckedBox = "☐"

	footerRule      = "---"
	timestampLayout = "2006-01-02 15:04 MST"
)

// reportView is the data a report is rendered from.
type reportView struct {
	form  ClinicalForm
	name  string
	entry DiagnosticEntry
}

func newReportView(form ClinicalForm, ec EntryContext) reportView {
	return reportView{form: form, name: form.ResolvedName(ec.Entry.PatientName), entry: ec.Entry}
}

// section is one heading of the report. The same list drives the
// deterministic renderer and the instruction sent to the narrative model, so
// both strategies produce the same structure. checks lists the enumerated
// choices a section shows as checkbox lines.
type section struct {
	title    string
	guidance string
	render   func(b *strings.Builder, v reportView)
	checks   func(v reportView) []checklist
}

// checklist is one enumerated choice rendered as a checkbox line per option.
type checklist struct {
	options  []string
	selected []string
}

func indicationChecks(v reportView) []checklist {
	return []checklist{{IndicationOptions, v.form.Indications}}
}

func flowCurveChecks(v reportView) []checklist {
	return []checklist{{FlowCurveOptions, single(v.form.FlowCurvePattern)}}
}

func streamChecks(v reportView) []checklist {
	f := v.form
	return []checklist{
		{StreamPatternOptions, single(f.StreamPattern)},
		{InitiationOptions, single(f.Initiation)},
		{[]string{"Yes", "No"}, single(yesNo(f.Straining))},
		{MeatalOptions, single(f.MeatalAbnormality)},
	}
}

func impressionChecks(v reportView) []checklist {
	return []checklist{{ImpressionOptions, v.form.Impressions}}
}

var reportSections = []section{
	{
		title:    "Patient Details",
		guidance: "a bullet list of name, age, sex, UHID, report date and study date",
		render:   renderPatientDetails,
	},
	{
		title:    "Indication",
		guidance: "every indication option as a checkbox line, then the free-text other indication",
		render:   renderIndication,
		checks:   indicationChecks,
	},
	{
		title:    "Method",
		guidance: "one short paragraph describing video-based uroflowmetry with automated flow computation",
		render:   renderMethod,
	},
	{
		title:    "Flow Parameters",
		guidance: "a two-column Markdown table (Parameter, Value) with voided volume (mL), Qmax (mL/s), Qavg (mL/s), voiding time (s) and time to Qmax (s)",
		render:   renderFlowParameters,
	},
	{
		title:    "Flow Curve Pattern",
		guidance: "every flow curve option as a checkbox line",
		render:   renderFlowCurve,
		checks:   flowCurveChecks,
	},
	{
		title:    "Video Stream Assessment",
		guidance: "checkbox groups for stream pattern, initiation, straining (Yes/No) and meatal abnormality",
		render:   renderStreamAssessment,
		checks:   streamChecks,
	},
	{
		title:    "Combined Interpretation",
		guidance: "a clinical interpretation that integrates the flow parameters with the video findings and the doctor's interpretation",
		render:   renderInterpretation,
	},
	{
		title:    "Impression",
		guidance: "every impression option as a checkbox line",
		render:   renderImpression,
		checks:   impressionChecks,
	},
	{
		title:    "Recommendations",
		guidance: "the doctor's recommendations, expanded into clear clinical prose",
		render:   renderRecommendations,
	},
}

// SectionTitles returns the report's section headings in order.
func SectionTitles() []string {
	titles := make([]string, len(reportSections))
	for i, s := range reportSections {
		titles[i] = s.title
	}
	return titles
}

// renderSections produces the deterministic report body.
func renderSections(v reportView) string {
	var b strings.Builder
	for i, s := range reportSections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(s.title)
		b.WriteString("\n\n")
		s.render(&b, v)
	}
	return b.String()
}

func renderPatientDetails(b *strings.Builder, v reportView) {
	f := v.form
	fmt.Fprintf(b, "- Name: %s\n", textOr(v.name))
	fmt.Fprintf(b, "- Age: %s\n", textOr(f.Age))
	fmt.Fprintf(b, "- Sex: %s\n", textOr(f.Sex))
	fmt.Fprintf(b, "- UHID: %s\n", textOr(f.UHID))
	fmt.Fprintf(b, "- Report date: %s\n", textOr(f.ReportDate))
	if !v.entry.CreatedAt.IsZero() {
		fmt.Fprintf(b, "- Study date: %s\n", v.entry.CreatedAt.Format(DateLayout))
	}
}

func renderIndication(b *strings.Builder, v reportView) {
	writeChecklist(b, indicationChecks(v)[0])
	fmt.Fprintf(b, "- Other: %s\n", textOr(v.form.IndicationOther))
}

func renderMethod(b *strings.Builder, v reportView) {
	views := "top and bottom camera views"
	switch {
	case nonEmpty(v.entry.VideoTopURL) && !nonEmpty(v.entry.VideoBottomURL):
		views = "the top camera view"
	case !nonEmpty(v.entry.VideoTopURL) && nonEmpty(v.entry.VideoBottomURL):
		views = "the bottom camera view"
	}
	fmt.Fprintf(b, "Video-based uroflowmetry was recorded from %s. Flow parameters were computed automatically from the recording and reviewed by the reporting clinician.\n", views)
}

func renderFlowParameters(b *strings.Builder, v reportView) {
	f := v.form
	b.WriteString("| Parameter | Value |\n")
	b.WriteString("|---|---|\n")
	fmt.Fprintf(b, "| Voided volume (mL) | %s |\n", flowOr(f.VoidedVolume))
	fmt.Fprintf(b, "| Qmax (mL/s) | %s |\n", flowOr(f.Qmax))
	fmt.Fprintf(b, "| Qavg (mL/s) | %s |\n", flowOr(f.Qavg))
	fmt.Fprintf(b, "| Voiding time (s) | %s |\n", flowOr(f.VoidingTime))
	fmt.Fprintf(b, "| Time to Qmax (s) | %s |\n", flowOr(f.TimeToQmax))
}

func renderFlowCurve(b *strings.Builder, v reportView) {
	writeChecklist(b, flowCurveChecks(v)[0])
}

var streamLabels = []string{"Stream pattern", "Initiation", "Straining", "Meatal abnormality"}

func renderStreamAssessment(b *strings.Builder, v reportView) {
	for i, c := range streamChecks(v) {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(b, "**%s**\n", streamLabels[i])
		writeChecklist(b, c)
	}
}

func renderInterpretation(b *strings.Builder, v reportView) {
	b.WriteString(textOr(v.form.Interpretation))
	b.WriteString("\n")
}

func renderImpression(b *strings.Builder, v reportView) {
	writeChecklist(b, impressionChecks(v)[0])
}

func renderRecommendations(b *strings.Builder, v reportView) {
	b.WriteString(textOr(v.form.Recommendations))
	b.WriteString("\n")
}

func writeChecklist(b *strings.Builder, c checklist) {
	for _, o := range c.options {
		fmt.Fprintf(b, "- %s %s\n", c.box(o), o)
	}
}

func (c checklist) box(option string) string {
	if slices.Contains(c.selected, option) {
		return CheckedBox
	}
	return UncheckedBox
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// textOr renders doctor-entered text, or the placeholder when it is empty.
// Lines starting with # are escaped so free text cannot open a section.
func textOr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Placeholder
	}
	if !strings.Contains(s, "#") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "#") {
			lines[i] = line[:len(line)-len(trimmed)] + "\\" + trimmed
		}
	}
	return strings.Join(lines, "\n")
}

func flowOr(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return NotAvailable
}

// renderFooter is appended to the body by both strategies.
func renderFooter(at time.Time, c Clinician) string {
	clinician := textOr(c.Name)
	if q := strings.TrimSpace(c.Qualification); q != "" && clinician != Placeholder {
		clinician += ", " + q
	}
	return fmt.Sprintf("%s\nGenerated: %s\nReporting clinician: %s\n", footerRule, at.Format(timestampLayout), clinician)
}

// SectionHeaders lists the level-two headings of a Markdown document in order.
func SectionHeaders(text string) []string {
	var headers []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "## ") {
			headers = append(headers, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	return headers
}

// conformsToTemplate reports whether text carries exactly the template's
// section headings in the template's order, and whether every enumerated
// choice shows each of its options with the box v selects. Numbering,
// trailing colons and case are ignored.
func conformsToTemplate(text string, v reportView) bool {
	got := SectionHeaders(text)
	if len(got) != len(reportSections) {
		return false
	}
	for i, h := range got {
		if !strings.EqualFold(normalizeHeading(h), reportSections[i].title) {
			return false
		}
	}

	bodies := sectionLines(text)
	for i, s := range reportSections {
		if s.checks == nil {
			continue
		}
		for _, c := range s.checks(v) {
			for _, o := range c.options {
				want := checkLine(c.box(o), o)
				other := checkLine(CheckedBox, o)
				if c.box(o) == CheckedBox {
					other = checkLine(UncheckedBox, o)
				}
				if !bodies[i][want] || bodies[i][other] {
					return false
				}
			}
		}
	}
	return true
}

// sectionLines returns the normalized lines under each level-two heading.
func sectionLines(text string) []map[string]bool {
	var out []map[string]bool
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "## ") {
			out = append(out, map[string]bool{})
			continue
		}
		if len(out) == 0 {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			line = rest
		} else if rest, ok := strings.CutPrefix(line, "* "); ok {
			line = rest
		}
		out[len(out)-1][normalizeLine(line)] = true
	}
	return out
}

func checkLine(box, option string) string {
	return normalizeLine(box + " " + option)
}

func normalizeLine(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeHeading(h string) string {
	h = strings.TrimRight(strings.TrimSpace(h), ":")
	if i := strings.IndexByte(h, ' '); i > 0 {
		prefix := strings.TrimRight(h[:i], ".)")
		if prefix != "" && strings.Trim(prefix, "0123456789") == "" {
			h = strings.TrimSpace(h[i+1:])
		}
	}
	return h
}

// trimPreamble drops anything a model writes before the first section heading.
func trimPreamble(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.HasPrefix(text, "## ") {
		return strings.TrimSpace(text) + "\n"
	}
	if i := strings.Index(text, "\n## "); i >= 0 {
		return strings.TrimSpace(text[i+1:]) + "\n"
	}
	return strings.TrimSpace(text)
}

// narrativeInstruction is the system instruction for the remote strategy.
var narrativeInstruction = buildNarrativeInstruction()

func buildNarrativeInstruction() string {
	var b strings.Builder
	b.WriteString("You are a clinical documentation assistant writing uroflowmetry reports for a urologist.\n")
	b.WriteString("The user message is a JSON object with patient, flow and observations blocks taken from the doctor's form.\n\n")
	b.WriteString("Write the report body in Markdown using exactly these level-two sections, in this order, and no others:\n")
	for i, s := range reportSections {
		fmt.Fprintf(&b, "%d. \"## %s\": %s.\n", i+1, s.title, s.guidance)
	}
	b.WriteString("\nRender every enumerated choice as a list of all its options, one per line, prefixed with ")
	fmt.Fprintf(&b, "\"- %s \" when selected and \"- %s \" when not selected. The options are:\n", CheckedBox, UncheckedBox)
	writeOptionList(&b, "Indication", IndicationOptions)
	writeOptionList(&b, "Flow curve pattern", FlowCurveOptions)
	writeOptionList(&b, "Stream pattern", StreamPatternOptions)
	writeOptionList(&b, "Initiation", InitiationOptions)
	writeOptionList(&b, "Straining", []string{"Yes", "No"})
	writeOptionList(&b, "Meatal abnormality", MeatalOptions)
	writeOptionList(&b, "Impression", ImpressionOptions)
	fmt.Fprintf(&b, "\nReport flow values exactly as given; a value of %s stays %s. Never invent measurements.\n", NotAvailable, NotAvailable)
	fmt.Fprintf(&b, "Write %s for any empty identity field.\n", Placeholder)
	b.WriteString("Do not add a document title, signature, date line or closing remarks.\n")
	return b.String()
}

func writeOptionList(b *strings.Builder, label string, options []string) {
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(options, "; "))
}
