package uroflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var formDay = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestNewClinicalForm(t *testing.T) {
	f := NewClinicalForm(formDay)
	assert.Equal(t, "2026-03-02", f.ReportDate)
	assert.NotNil(t, f.Indications)
	assert.Empty(t, f.Indications)
	assert.NotNil(t, f.Impressions)
	assert.False(t, f.Straining)
}

func TestToggleSetMember_KeepsOptionOrder(t *testing.T) {
	f := NewClinicalForm(formDay)
	require.NoError(t, f.ToggleSetMember(FieldIndications, IndicationOptions[3]))
	require.NoError(t, f.ToggleSetMember(FieldIndications, IndicationOptions[0]))
	require.NoError(t, f.ToggleSetMember(FieldIndications, IndicationOptions[2]))
	assert.Equal(t, []string{IndicationOptions[0], IndicationOptions[2], IndicationOptions[3]}, f.Indications)

	require.NoError(t, f.ToggleSetMember(FieldIndications, IndicationOptions[2]))
	assert.Equal(t, []string{IndicationOptions[0], IndicationOptions[3]}, f.Indications)
}

func TestToggleSetMember_Errors(t *testing.T) {
	f := NewClinicalForm(formDay)
	assert.ErrorIs(t, f.ToggleSetMember(FieldIndications, "Headache"), ErrUnknownOption)
	assert.ErrorIs(t, f.ToggleSetMember(FieldFlowCurve, FlowCurveOptions[0]), ErrUnknownField)
}

func TestSetSingleChoice(t *testing.T) {
	f := NewClinicalForm(formDay)
	require.NoError(t, f.SetSingleChoice(FieldFlowCurve, "Plateau (flattened)"))
	require.NoError(t, f.SetSingleChoice(FieldFlowCurve, "Staccato"))
	assert.Equal(t, "Staccato", f.FlowCurvePattern)

	require.NoError(t, f.SetSingleChoice(FieldFlowCurve, ""))
	assert.Empty(t, f.FlowCurvePattern)

	require.NoError(t, f.SetSingleChoice(FieldMeatal, "Hypospadias"))
	assert.Equal(t, "Hypospadias", f.MeatalAbnormality)

	assert.ErrorIs(t, f.SetSingleChoice(FieldStreamPattern, "Sideways"), ErrUnknownOption)
	assert.ErrorIs(t, f.SetSingleChoice(FieldName, "x"), ErrUnknownField)
}

func TestSetText(t *testing.T) {
	f := NewClinicalForm(formDay)
	require.NoError(t, f.SetText(FieldAge, "54"))
	require.NoError(t, f.SetText(FieldQmax, "17.5"))
	assert.Equal(t, "54", f.Age)
	assert.Equal(t, "17.5", f.Qmax)
	assert.ErrorIs(t, f.SetText(FieldImpressions, "x"), ErrUnknownField)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	f := NewClinicalForm(formDay)
	require.NoError(t, f.ToggleSetMember(FieldImpressions, ImpressionOptions[0]))

	snap := f.Snapshot()
	snap.Impressions[0] = "changed"
	assert.Equal(t, ImpressionOptions[0], f.Impressions[0])
}

func TestMergeFlowMetrics_OnlyTouchesFlowFields(t *testing.T) {
	f := NewClinicalForm(formDay)
	f.Name = "Asha"
	f.Interpretation = "Normal"
	f.Qavg = "manual"

	f.MergeFlowMetrics(FlowMetrics{Qmax: metricOf(21), VoidedVolume: metricOf(300)})

	assert.Equal(t, "21.00", f.Qmax)
	assert.Equal(t, "300.00", f.VoidedVolume)
	assert.Equal(t, NotAvailable, f.Qavg)
	assert.Equal(t, "Asha", f.Name)
	assert.Equal(t, "Normal", f.Interpretation)

	f.ClearFlowMetrics()
	assert.Empty(t, f.Qmax)
	assert.Equal(t, "Asha", f.Name)
}

func TestValidate(t *testing.T) {
	f := NewClinicalForm(formDay)
	err := f.Validate("")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "name", ve.Field)
	assert.Equal(t, "patient identity", ve.Category)

	// The entry's patient name stands in for an empty form name.
	err = f.Validate("Ravi Kumar")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "age", ve.Field)

	f.Age = "61"
	err = f.Validate("Ravi Kumar")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "sex", ve.Field)

	f.Sex = "Male"
	assert.NoError(t, f.Validate("Ravi Kumar"))
	assert.Equal(t, "Ravi Kumar", f.ResolvedName("Ravi Kumar"))
}

func TestApply_AllOrNothing(t *testing.T) {
	f := NewClinicalForm(formDay)
	err := f.Apply(
		FormOp{Op: OpSet, Field: FieldName, Value: "Asha"},
		FormOp{Op: OpToggle, Field: FieldImpressions, Value: ImpressionOptions[1]},
		FormOp{Op: OpChoose, Field: FieldInitiation, Value: "Sometimes"},
	)
	assert.ErrorIs(t, err, ErrUnknownOption)
	assert.Contains(t, err.Error(), "op 2")
	assert.Empty(t, f.Name)
	assert.Empty(t, f.Impressions)

	require.NoError(t, f.Apply(
		FormOp{Op: OpSet, Field: FieldName, Value: "Asha"},
		FormOp{Op: OpToggle, Field: FieldImpressions, Value: ImpressionOptions[1]},
		FormOp{Op: OpChoose, Field: FieldInitiation, Value: "Immediate"},
		FormOp{Op: OpStraining, Checked: true},
	))
	assert.Equal(t, "Asha", f.Name)
	assert.Equal(t, []string{ImpressionOptions[1]}, f.Impressions)
	assert.Equal(t, "Immediate", f.Initiation)
	assert.True(t, f.Straining)

	assert.Error(t, f.Apply(FormOp{Op: "rename"}))
}

func TestReset(t *testing.T) {
	f := NewClinicalForm(formDay)
	f.Name = "Asha"
	f.Straining = true
	f.Reset(formDay.AddDate(0, 0, 1))
	assert.Empty(t, f.Name)
	assert.False(t, f.Straining)
	assert.Equal(t, "2026-03-03", f.ReportDate)
}
