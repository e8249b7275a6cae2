package uroflow

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/uroflow/uroflow/pkg/ident"
)

// DateLayout is the civil date format used for report dates and file names.
const DateLayout = "2006-01-02"

// FormField names an editable field of the clinical form.
type FormField string

const (
	FieldName            FormField = "name"
	FieldAge             FormField = "age"
	FieldSex             FormField = "sex"
	FieldUHID            FormField = "uhid"
	FieldReportDate      FormField = "report_date"
	FieldIndications     FormField = "indications"
	FieldIndicationOther FormField = "indication_other"
	FieldVoidedVolume    FormField = "voided_volume"
	FieldQmax            FormField = "qmax"
	FieldQavg            FormField = "qavg"
	FieldVoidingTime     FormField = "voiding_time"
	FieldTimeToQmax      FormField = "time_to_qmax"
	FieldFlowCurve       FormField = "flow_curve_pattern"
	FieldStreamPattern   FormField = "stream_pattern"
	FieldInitiation      FormField = "initiation"
	FieldMeatal          FormField = "meatal_abnormality"
	FieldStraining       FormField = "straining"
	FieldImpressions     FormField = "impressions"
	FieldInterpretation  FormField = "interpretation"
	FieldRecommendations FormField = "recommendations"
)

// Closed option sets. Their order is the order used for storage and rendering.
var (
	IndicationOptions = []string{
		"Lower urinary tract symptoms (LUTS)",
		"Suspected bladder outlet obstruction",
		"Post-operative follow-up",
		"Recurrent urinary tract infection",
		"Neurogenic bladder evaluation",
		"Urethral stricture surveillance",
	}
	FlowCurveOptions = []string{
		"Bell-shaped (normal)",
		"Tower-shaped",
		"Plateau (flattened)",
		"Staccato",
		"Interrupted",
	}
	StreamPatternOptions = []string{
		"Continuous",
		"Intermittent",
		"Spraying",
		"Dribbling",
		"Thin/weak",
	}
	InitiationOptions = []string{
		"Immediate",
		"Delayed (hesitancy)",
	}
	MeatalOptions = []string{
		"None observed",
		"Meatal stenosis",
		"Hypospadias",
		"Other",
	}
	ImpressionOptions = []string{
		"Normal flow study",
		"Reduced flow suggestive of bladder outlet obstruction",
		"Detrusor underactivity pattern",
		"Urethral stricture pattern",
		"Dysfunctional voiding",
		"Inconclusive (low voided volume)",
	}
)

var setOptions = map[FormField][]string{
	FieldIndications: IndicationOptions,
	FieldImpressions: ImpressionOptions,
}

var choiceOptions = map[FormField][]string{
	FieldFlowCurve:     FlowCurveOptions,
	FieldStreamPattern: StreamPatternOptions,
	FieldInitiation:    InitiationOptions,
	FieldMeatal:        MeatalOptions,
}

// ClinicalForm is the doctor-editable report-in-progress.
type ClinicalForm struct {
	EntryID ident.ID `json:"entry_id,omitempty"`

	Name       string `json:"name"`
	Age        string `json:"age"`
	Sex        string `json:"sex"`
	UHID       string `json:"uhid"`
	ReportDate string `json:"report_date"`

	Indications     []string `json:"indications"`
	IndicationOther string   `json:"indication_other"`

	VoidedVolume string `json:"voided_volume"`
	Qmax         string `json:"qmax"`
	Qavg         string `json:"qavg"`
	VoidingTime  string `json:"voiding_time"`
	TimeToQmax   string `json:"time_to_qmax"`

	FlowCurvePattern  string `json:"flow_curve_pattern"`
	StreamPattern     string `json:"stream_pattern"`
	Initiation        string `json:"initiation"`
	Straining         bool   `json:"straining"`
	MeatalAbnormality string `json:"meatal_abnormality"`

	Impressions     []string `json:"impressions"`
	Interpretation  string   `json:"interpretation"`
	Recommendations string   `json:"recommendations"`
}

// NewClinicalForm returns an empty form dated on the civil date of now.
func NewClinicalForm(now time.Time) *ClinicalForm {
	return &ClinicalForm{
		ReportDate:  now.Format(DateLayout),
		Indications: []string{},
		Impressions: []string{},
	}
}

// Reset returns the form to its defaults, dated on now.
func (f *ClinicalForm) Reset(now time.Time) {
	*f = *NewClinicalForm(now)
}

// Snapshot returns a deep copy of the form.
func (f *ClinicalForm) Snapshot() ClinicalForm {
	c := *f
	c.Indications = slices.Clone(f.Indications)
	c.Impressions = slices.Clone(f.Impressions)
	if c.Indications == nil {
		c.Indications = []string{}
	}
	if c.Impressions == nil {
		c.Impressions = []string{}
	}
	return c
}

// MergeFlowMetrics overwrites the five flow fields and nothing else.
func (f *ClinicalForm) MergeFlowMetrics(m FlowMetrics) {
	f.VoidedVolume = m.VoidedVolume.String()
	f.Qmax = m.Qmax.String()
	f.Qavg = m.Qavg.String()
	f.VoidingTime = m.VoidingTime.String()
	f.TimeToQmax = m.TimeToQmax.String()
}

// ClearFlowMetrics empties the five flow fields.
func (f *ClinicalForm) ClearFlowMetrics() {
	f.VoidedVolume, f.Qmax, f.Qavg, f.VoidingTime, f.TimeToQmax = "", "", "", "", ""
}

// ToggleSetMember adds value to a multi-choice field, or removes it when
// already present. Members stay in option order.
func (f *ClinicalForm) ToggleSetMember(field FormField, value string) error {
	opts, ok := setOptions[field]
	if !ok {
		return fmt.Errorf("%w: %s is not a multi-choice field", ErrUnknownField, field)
	}
	if !slices.Contains(opts, value) {
		return fmt.Errorf("%w: %q for %s", ErrUnknownOption, value, field)
	}

	set := f.setField(field)
	if i := slices.Index(*set, value); i >= 0 {
		*set = slices.Delete(*set, i, i+1)
		return nil
	}
	next := make([]string, 0, len(*set)+1)
	for _, o := range opts {
		if o == value || slices.Contains(*set, o) {
			next = append(next, o)
		}
	}
	*set = next
	return nil
}

func (f *ClinicalForm) setField(field FormField) *[]string {
	if field == FieldIndications {
		return &f.Indications
	}
	return &f.Impressions
}

// SetSingleChoice selects exactly one option of a single-choice field. An
// empty value clears the field.
func (f *ClinicalForm) SetSingleChoice(field FormField, value string) error {
	opts, ok := choiceOptions[field]
	if !ok {
		return fmt.Errorf("%w: %s is not a single-choice field", ErrUnknownField, field)
	}
	if value != "" && !slices.Contains(opts, value) {
		return fmt.Errorf("%w: %q for %s", ErrUnknownOption, value, field)
	}
	switch field {
	case FieldFlowCurve:
		f.FlowCurvePattern = value
	case FieldStreamPattern:
		f.StreamPattern = value
	case FieldInitiation:
		f.Initiation = value
	case FieldMeatal:
		f.MeatalAbnormality = value
	}
	return nil
}

// SetStraining records whether straining was observed.
func (f *ClinicalForm) SetStraining(observed bool) {
	f.Straining = observed
}

// SetText sets a free-text, identity or flow field.
func (f *ClinicalForm) SetText(field FormField, value string) error {
	p := f.textField(field)
	if p == nil {
		return fmt.Errorf("%w: %s is not a text field", ErrUnknownField, field)
	}
	*p = value
	return nil
}

func (f *ClinicalForm) textField(field FormField) *string {
	switch field {
	case FieldName:
		return &f.Name
	case FieldAge:
		return &f.Age
	case FieldSex:
		return &f.Sex
	case FieldUHID:
		return &f.UHID
	case FieldReportDate:
		return &f.ReportDate
	case FieldIndicationOther:
		return &f.IndicationOther
	case FieldVoidedVolume:
		return &f.VoidedVolume
	case FieldQmax:
		return &f.Qmax
	case FieldQavg:
		return &f.Qavg
	case FieldVoidingTime:
		return &f.VoidingTime
	case FieldTimeToQmax:
		return &f.TimeToQmax
	case FieldInterpretation:
		return &f.Interpretation
	case FieldRecommendations:
		return &f.Recommendations
	}
	return nil
}

// ResolvedName is the form's patient name, or fallback when the form has none.
func (f *ClinicalForm) ResolvedName(fallback string) string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	return strings.TrimSpace(fallback)
}

// Validate checks the patient identity fields a report cannot be issued without.
func (f *ClinicalForm) Validate(fallbackName string) error {
	const category = "patient identity"
	if f.ResolvedName(fallbackName) == "" {
		return &ValidationError{Category: category, Field: string(FieldName)}
	}
	if strings.TrimSpace(f.Age) == "" {
		return &ValidationError{Category: category, Field: string(FieldAge)}
	}
	if strings.TrimSpace(f.Sex) == "" {
		return &ValidationError{Category: category, Field: string(FieldSex)}
	}
	return nil
}

// FormOp is one edit of a form update request.
type FormOp struct {
	Op      string    `json:"op"`
	Field   FormField `json:"field,omitempty"`
	Value   string    `json:"value,omitempty"`
	Checked bool      `json:"checked,omitempty"`
}

// Form edit operations.
const (
	OpSet       = "set"
	OpToggle    = "toggle"
	OpChoose    = "choose"
	OpStraining = "straining"
)

// Apply runs ops in order. Either all of them take effect or, on the first
// failing op, none do.
func (f *ClinicalForm) Apply(ops ...FormOp) error {
	next := f.Snapshot()
	for i, op := range ops {
		var err error
		switch op.Op {
		case OpSet:
			err = next.SetText(op.Field, op.Value)
		case OpToggle:
			err = next.ToggleSetMember(op.Field, op.Value)
		case OpChoose:
			err = next.SetSingleChoice(op.Field, op.Value)
		case OpStraining:
			next.SetStraining(op.Checked)
		default:
			err = fmt.Errorf("unknown op %q", op.Op)
		}
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	*f = next
	return nil
}
