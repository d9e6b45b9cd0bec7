// Package ingest normalizes raw vision-model responses into field
// results and applies confidence-threshold filtering for carried
// context.
package ingest

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// Normalized is the engine-ready view of one model response.
type Normalized struct {
	Fields  []sophon.FieldResult
	Summary string
	HasTrue bool
}

// summaryKey is reserved in the response object and never treated as a
// field.
const summaryKey = "summary"

// Normalize decodes a raw model response into field results. The
// response is an object mapping field names to one of three accepted
// shapes, tried in order:
//
//	[bool, confidence]                  tuple form
//	{"result": bool, "confidence": n}   object form
//	{"boolean": bool, "probability": n} legacy form
//
// Values matching none of the shapes are skipped, not fatal; a partly
// malformed response still yields the fields that did parse. A
// top-level "summary" string is carried through when present.
func Normalize(raw json.RawMessage, logger *zap.Logger) Normalized {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out Normalized
	if len(raw) == 0 {
		return out
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.Debug("model response is not a JSON object", zap.Error(err))
		return out
	}

	names := make([]string, 0, len(envelope))
	for name := range envelope {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := envelope[name]
		if name == summaryKey {
			var s string
			if err := json.Unmarshal(value, &s); err == nil {
				out.Summary = s
			}
			continue
		}
		field, ok := parseField(name, value)
		if !ok {
			logger.Debug("skipping unrecognized field shape", zap.String("field", name))
			continue
		}
		out.Fields = append(out.Fields, field)
		if field.Result {
			out.HasTrue = true
		}
	}
	return out
}

func parseField(name string, value json.RawMessage) (sophon.FieldResult, bool) {
	if field, ok := parseTuple(name, value); ok {
		return field, true
	}
	if field, ok := parseObject(name, value, "result", "confidence"); ok {
		return field, true
	}
	if field, ok := parseObject(name, value, "boolean", "probability"); ok {
		return field, true
	}
	return sophon.FieldResult{}, false
}

// parseTuple accepts [bool] and [bool, number].
func parseTuple(name string, value json.RawMessage) (sophon.FieldResult, bool) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(value, &tuple); err != nil || len(tuple) == 0 || len(tuple) > 2 {
		return sophon.FieldResult{}, false
	}
	var result bool
	if err := json.Unmarshal(tuple[0], &result); err != nil {
		return sophon.FieldResult{}, false
	}
	field := sophon.FieldResult{Name: name, Result: result}
	if len(tuple) == 2 {
		var prob float64
		if err := json.Unmarshal(tuple[1], &prob); err != nil {
			return sophon.FieldResult{}, false
		}
		field.Probability = &prob
	}
	return field, true
}

func parseObject(name string, value json.RawMessage, boolKey, probKey string) (sophon.FieldResult, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return sophon.FieldResult{}, false
	}
	rawBool, ok := obj[boolKey]
	if !ok {
		return sophon.FieldResult{}, false
	}
	var result bool
	if err := json.Unmarshal(rawBool, &result); err != nil {
		return sophon.FieldResult{}, false
	}
	field := sophon.FieldResult{Name: name, Result: result}
	if rawProb, ok := obj[probKey]; ok {
		var prob float64
		if err := json.Unmarshal(rawProb, &prob); err != nil {
			return sophon.FieldResult{}, false
		}
		field.Probability = &prob
	}
	return field, true
}

// FilterForContext produces the prior-evaluation snapshot carried into
// the next submission for a domain. A true result whose confidence
// falls below the field's configured threshold is downgraded to false
// so low-confidence positives do not bias the next evaluation. The
// filter is idempotent: filtering already-filtered fields changes
// nothing.
func FilterForContext(fields []sophon.FieldResult, specs []sophon.FieldSpec) []sophon.FieldResult {
	thresholds := make(map[string]float64, len(specs))
	for _, spec := range specs {
		thresholds[spec.Name] = spec.Threshold
	}

	out := make([]sophon.FieldResult, 0, len(fields))
	for _, field := range fields {
		filtered := field
		if field.Probability != nil {
			p := *field.Probability
			filtered.Probability = &p
		}
		threshold, ok := thresholds[field.Name]
		if ok && filtered.Result && threshold > 0 &&
			filtered.Probability != nil && *filtered.Probability < threshold {
			filtered.Result = false
		}
		out = append(out, filtered)
	}
	return out
}
