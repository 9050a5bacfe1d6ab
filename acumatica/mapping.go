package acumatica

// CoerceKind names how an ERP field value becomes a mirror column value.
type CoerceKind int

const (
	CoerceString CoerceKind = iota
	CoerceDecimal
	CoerceTime
)

// FieldRule maps one ERP field onto one mirror column.
type FieldRule struct {
	Source string
	Column string
	Kind   CoerceKind
}

type FieldMap []FieldRule

// Flatten projects a wrapped ERP record onto plain column values. Missing
// fields become zero values so an upsert always writes the full column set.
func (fm FieldMap) Flatten(rec Record) map[string]any {
	values := make(map[string]any, len(fm))
	for _, rule := range fm {
		switch rule.Kind {
		case CoerceDecimal:
			values[rule.Column] = rec.Decimal(rule.Source)
		case CoerceTime:
			values[rule.Column] = rec.Time(rule.Source)
		default:
			values[rule.Column] = rec.String(rule.Source)
		}
	}
	return values
}
