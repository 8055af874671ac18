// Package fingerprint rebuilds the verification record of an interaction and
// computes the SHA-256 fingerprint the backend signs.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tjfontaine/verigate/internal/domain"
)

// Record field names shared with the backend.
const (
	FieldPrompt        = "prompt"
	FieldResponse      = "response"
	FieldModelName     = "model_name"
	FieldModelID       = "model_id"
	FieldTemperature   = "temperature"
	FieldMaxTokens     = "max_tokens"
	FieldSystemPrompt  = "system_prompt"
	FieldTimestamp     = "timestamp"
	FieldWalletAddress = "wallet_address"
	FieldSessionID     = "session_id"
	FieldRAGSources    = "rag_sources"
	FieldToolCalls     = "tool_calls"
)

// Kind selects the required-field contract of a record.
type Kind string

const (
	// KindChat is an assistant chat message produced by a model.
	KindChat Kind = "chat"

	// KindPrompt is a bare prompt/response pair.
	KindPrompt Kind = "prompt"
)

var requiredFields = map[Kind][]string{
	KindChat: {
		FieldPrompt, FieldResponse, FieldModelName, FieldModelID,
		FieldTemperature, FieldMaxTokens, FieldTimestamp,
	},
	KindPrompt: {FieldPrompt, FieldResponse},
}

// RequiredFields returns the fields a record of the given kind must carry.
func RequiredFields(kind Kind) []string {
	return append([]string(nil), requiredFields[kind]...)
}

// Record is the verification record of one assistant response. Only present
// fields are keys; an absent field never appears in the canonical form.
type Record map[string]any

// Missing returns the required fields absent or nil in r, in contract order.
func (r Record) Missing(kind Kind) []string {
	var missing []string
	for _, f := range requiredFields[kind] {
		if v, ok := r[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	return missing
}

// Interaction is the typed form of a verification record.
type Interaction struct {
	Prompt        string
	Response      string
	ModelName     string
	ModelID       string
	Temperature   *float64
	MaxTokens     *float64
	SystemPrompt  *string
	Timestamp     time.Time
	WalletAddress string
	SessionID     string
	RAGSources    []map[string]any
	ToolCalls     []map[string]any
}

// Record converts the interaction into its record, skipping absent fields.
func (in Interaction) Record() Record {
	r := Record{}
	setString(r, FieldPrompt, in.Prompt)
	setString(r, FieldResponse, in.Response)
	setString(r, FieldModelName, in.ModelName)
	setString(r, FieldModelID, in.ModelID)
	setString(r, FieldWalletAddress, in.WalletAddress)
	setString(r, FieldSessionID, in.SessionID)
	if in.Temperature != nil {
		r[FieldTemperature] = *in.Temperature
	}
	if in.MaxTokens != nil {
		r[FieldMaxTokens] = *in.MaxTokens
	}
	if in.SystemPrompt != nil {
		r[FieldSystemPrompt] = *in.SystemPrompt
	}
	if !in.Timestamp.IsZero() {
		r[FieldTimestamp] = in.Timestamp
	}
	if in.RAGSources != nil {
		r[FieldRAGSources] = anySlice(in.RAGSources)
	}
	if in.ToolCalls != nil {
		r[FieldToolCalls] = anySlice(in.ToolCalls)
	}
	return r
}

func setString(r Record, key, value string) {
	if value != "" {
		r[key] = value
	}
}

func anySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}

// RecordFromJSON decodes a record as the backend stores it. Numbers keep their
// literal form so integers are not widened to floats.
func RecordFromJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, "record is not a JSON object").WithCause(err)
	}
	if r == nil {
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, "record is null")
	}
	return r, nil
}

// Normalize returns a copy of r with the domain precision contracts applied:
// temperature truncated to one decimal, max_tokens rounded to an integer and
// timestamp reduced to a UTC instant at second precision. These run before
// generic serialization so that the general float format never sees the raw
// value.
func (r Record) Normalize() (Record, error) {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	if v, ok := out[FieldTemperature]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return nil, fieldError(FieldTemperature, err)
		}
		out[FieldTemperature] = TruncateTemperature(f)
	}

	if v, ok := out[FieldMaxTokens]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return nil, fieldError(FieldMaxTokens, err)
		}
		out[FieldMaxTokens] = RoundTokens(f)
	}

	if v, ok := out[FieldTimestamp]; ok && v != nil {
		ts, err := toTime(v)
		if err != nil {
			return nil, fieldError(FieldTimestamp, err)
		}
		out[FieldTimestamp] = ts
	}

	return out, nil
}

// TruncateTemperature truncates t to one decimal. The value is first snapped to
// micro-units so binary float noise (0.7 stored as 0.69999...) cannot pull it
// below the intended decimal.
func TruncateTemperature(t float64) float64 {
	micro := int64(math.Round(t * 1e6))
	return float64(micro/100000) / 10
}

// RoundTokens rounds a token count to the nearest integer, halves away from zero.
func RoundTokens(n float64) int64 {
	return int64(math.Round(n))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// toTime accepts time values and ISO-8601 strings. Strings without a zone are
// UTC, which is how the backend records naive timestamps.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Truncate(time.Second), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC().Truncate(time.Second), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC().Truncate(time.Second), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", t)
	}
	return time.Time{}, fmt.Errorf("unexpected type %T", v)
}

func fieldError(field string, err error) error {
	return domain.ErrInput(domain.ErrorCodeMalformedRecord,
		fmt.Sprintf("field %s has no canonical form", field)).WithCause(err)
}
