package acumatica

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one ERP entity as returned by the contract-based API: each field
// is wrapped as {"FieldName": {"value": ...}}. Sub-resources (expanded
// details) appear as plain JSON arrays of the same shape.
type Record map[string]json.RawMessage

// timeLayouts covers the datetime shapes Acumatica emits depending on
// endpoint version and field type.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func unwrapValue(raw json.RawMessage) json.RawMessage {
	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Value != nil {
		return wrapped.Value
	}
	return raw
}

func (r Record) String(field string) string {
	raw, ok := r[field]
	if !ok {
		return ""
	}
	val := unwrapValue(raw)
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s
	}
	trimmed := strings.TrimSpace(string(val))
	if trimmed == "null" {
		return ""
	}
	return trimmed
}

func (r Record) Decimal(field string) decimal.Decimal {
	s := r.String(field)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (r Record) Time(field string) *time.Time {
	s := r.String(field)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Records returns an expanded sub-resource as a list of Records.
func (r Record) Records(field string) []Record {
	raw, ok := r[field]
	if !ok {
		return nil
	}
	var entries []Record
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

// Raw re-marshals the untouched ERP payload for the mirror's raw_data column.
func (r Record) Raw() []byte {
	b, _ := json.Marshal(r)
	return b
}

// NormalizeReferenceNumber left-zero-pads purely numeric references shorter
// than the canonical width. The ERP stores reference numbers as fixed-width
// zero-padded strings, but webhook payloads and operator input arrive with
// the padding stripped. Non-numeric references pass through unchanged.
func NormalizeReferenceNumber(ref string, width int) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) >= width {
		return ref
	}
	for _, c := range ref {
		if c < '0' || c > '9' {
			return ref
		}
	}
	return strings.Repeat("0", width-len(ref)) + ref
}

// FormatDateLiteral renders a time as the ERP's OData date literal:
// seconds precision, explicit offset. Fractional seconds make the ERP's
// filter parser reject the query.
func FormatDateLiteral(t time.Time) string {
	return "datetimeoffset'" + t.Truncate(time.Second).Format("2006-01-02T15:04:05-07:00") + "'"
}

// looksLikeHTML detects the ERP's session-expiry degradation: instead of a
// clean 401 it serves the login page with a 200.
func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") || strings.HasPrefix(lower, "<")
}

func decodeRecords(body []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, &SessionExpiredError{Reason: "expected JSON array, got non-array body"}
	}
	var records []Record
	if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
		return nil, err
	}
	return records, nil
}
