package diffcore

// Kind tags the variant a Type carries.
type Kind int

const (
	IntegralKey Kind = iota
	TextualKey
	UUIDKey
	TimestampValue
	DateValue
	DecimalValue
	FloatValue
	BooleanValue
	JSONValue
	ArrayValue
	StructValue
)

func (k Kind) String() string {
	switch k {
	case IntegralKey:
		return "integral"
	case TextualKey:
		return "textual"
	case UUIDKey:
		return "uuid"
	case TimestampValue:
		return "timestamp"
	case DateValue:
		return "date"
	case DecimalValue:
		return "decimal"
	case FloatValue:
		return "float"
	case BooleanValue:
		return "boolean"
	case JSONValue:
		return "json"
	case ArrayValue:
		return "array"
	case StructValue:
		return "struct"
	default:
		return "unknown"
	}
}

// isKeyKind reports whether k may serve as (part of) a key column.
func (k Kind) isKeyKind() bool {
	switch k {
	case IntegralKey, TextualKey, UUIDKey:
		return true
	default:
		return false
	}
}

// Type is the resolved type descriptor for one column, carrying whatever
// the Value Normalizer needs to emit a canonical-form SQL fragment.
type Type struct {
	Kind Kind

	// TimestampValue
	Precision    int
	WithTimezone bool

	// DecimalValue / FloatValue
	NumericPrecision int
	Scale            int

	// ArrayValue
	Element *Type

	// StructValue
	Fields map[string]Type
}

// compatible reports whether two declared types may be compared after
// normalization: both integral, both textual of
// comparable collation, both timestamps of compatible precision, etc.
func compatible(a, b Type) bool {
	switch {
	case a.Kind.isKeyKind() && b.Kind.isKeyKind():
		// Integral/textual/UUID keys normalize to comparable canonical text
		// regardless of declared width, so any combination of key kinds is
		// structurally compatible once normalized.
		return true
	case a.Kind == TimestampValue && b.Kind == TimestampValue:
		return true
	case a.Kind == DateValue && b.Kind == DateValue:
		return true
	case (a.Kind == DecimalValue || a.Kind == FloatValue) && (b.Kind == DecimalValue || b.Kind == FloatValue):
		return true
	case a.Kind == BooleanValue && b.Kind == BooleanValue:
		return true
	case a.Kind == JSONValue && b.Kind == JSONValue:
		return true
	case a.Kind == ArrayValue && b.Kind == ArrayValue:
		if a.Element == nil || b.Element == nil {
			return false
		}
		return compatible(*a.Element, *b.Element)
	case a.Kind == StructValue && b.Kind == StructValue:
		return true
	default:
		return false
	}
}

// widen computes the common representation for a pair of declared types of
// the same logical kind but possibly different precision/scale: the coarser timestamp precision, and a fixed
// decimal width large enough for both declarations.
func widen(a, b Type) Type {
	switch a.Kind {
	case TimestampValue:
		precision := a.Precision
		if b.Precision < precision {
			precision = b.Precision
		}
		return Type{
			Kind:         TimestampValue,
			Precision:    precision,
			WithTimezone: a.WithTimezone || b.WithTimezone,
		}
	case DecimalValue, FloatValue:
		scale := a.Scale
		if b.Scale > scale {
			scale = b.Scale
		}
		intDigits := a.NumericPrecision - a.Scale
		if bIntDigits := b.NumericPrecision - b.Scale; bIntDigits > intDigits {
			intDigits = bIntDigits
		}
		return Type{
			Kind:             DecimalValue,
			NumericPrecision: intDigits + scale,
			Scale:            scale,
		}
	default:
		return a
	}
}
