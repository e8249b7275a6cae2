package uroflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NotAvailable marks a flow value the analysis did not produce.
const NotAvailable = "N/A"

// FlowMetric is a single flow parameter rounded to two decimals. A metric
// that is not Valid was absent or unusable in the analysis payload.
type FlowMetric struct {
	Value float64
	Valid bool
}

func metricOf(v float64) FlowMetric {
	r := math.Round(v*100) / 100
	if r == 0 {
		r = 0 // drop negative zero
	}
	return FlowMetric{Value: r, Valid: true}
}

// String renders the metric with two decimals, or N/A when absent.
func (m FlowMetric) String() string {
	if !m.Valid {
		return NotAvailable
	}
	return strconv.FormatFloat(m.Value, 'f', 2, 64)
}

func (m FlowMetric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(m.Value, 'f', 2, 64)), nil
}

// FlowMetrics is the normalized set of uroflowmetry parameters.
type FlowMetrics struct {
	VoidedVolume FlowMetric `json:"voided_volume"`
	Qmax         FlowMetric `json:"qmax"`
	Qavg         FlowMetric `json:"qavg"`
	VoidingTime  FlowMetric `json:"voiding_time"`
	TimeToQmax   FlowMetric `json:"time_to_qmax"`
}

// Any reports whether at least one metric is present.
func (f FlowMetrics) Any() bool {
	return f.VoidedVolume.Valid || f.Qmax.Valid || f.Qavg.Valid || f.VoidingTime.Valid || f.TimeToQmax.Valid
}

// metricAliases lists the accepted spellings per metric, in priority order,
// already normalized by normalizeKey.
var metricAliases = []struct {
	aliases []string
	slot    func(*FlowMetrics) *FlowMetric
}{
	{[]string{"voidedvolume", "volume"}, func(f *FlowMetrics) *FlowMetric { return &f.VoidedVolume }},
	{[]string{"qmax", "maxflowrate"}, func(f *FlowMetrics) *FlowMetric { return &f.Qmax }},
	{[]string{"qavg", "averageflowrate", "avgflowrate"}, func(f *FlowMetrics) *FlowMetric { return &f.Qavg }},
	{[]string{"voidingtime", "flowtime", "totaltime", "voidingduration"}, func(f *FlowMetrics) *FlowMetric { return &f.VoidingTime }},
	{[]string{"timetoqmax", "timetomaxflow"}, func(f *FlowMetrics) *FlowMetric { return &f.TimeToQmax }},
}

func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		switch r {
		case '_', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseFlowMetrics extracts the five flow parameters from a serialized analysis
// payload. Each key is read independently, so a partial payload yields a
// partial result. The payload may itself be a JSON string holding the object,
// and the object may nest the parameters under "metrics".
//
// An empty payload returns ErrNoPayload; anything that is not a JSON object
// returns an error wrapping ErrMalformedPayload.
func ParseFlowMetrics(raw []byte) (*FlowMetrics, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrNoPayload
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
		if len(raw) == 0 {
			return nil, ErrNoPayload
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return nil, ErrNoPayload
	}

	fields := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		fields[normalizeKey(k)] = v
	}
	if nested, ok := fields["metrics"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil && inner != nil {
			for k, v := range inner {
				fields[normalizeKey(k)] = v
			}
		}
	}

	var m FlowMetrics
	for _, def := range metricAliases {
		for _, alias := range def.aliases {
			v, ok := fields[alias]
			if !ok {
				continue
			}
			if n, ok := parseNumber(v); ok {
				*def.slot(&m) = metricOf(n)
				break
			}
		}
	}
	return &m, nil
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n float64
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		n = v
	default:
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
