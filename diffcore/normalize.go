package diffcore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rowdiff/rowdiff/database"
)

// resolveType maps a live database.Column onto a Type descriptor. This is
// intentionally conservative: it recognizes the common SQL type names
// across the bundled dialects and falls back to TextualKey for anything
// else comparable-as-text.
func resolveType(c database.Column) (Type, error) {
	name := strings.ToLower(c.DataType)
	switch {
	case strings.HasSuffix(name, "[]") || strings.Contains(name, "array"):
		elem := Type{Kind: TextualKey}
		return Type{Kind: ArrayValue, Element: &elem}, nil
	case strings.Contains(name, "int") || name == "serial" || name == "bigserial":
		return Type{Kind: IntegralKey}, nil
	case name == "uuid" || name == "uniqueidentifier":
		return Type{Kind: UUIDKey}, nil
	case strings.Contains(name, "timestamp") || strings.Contains(name, "datetime"):
		return Type{
			Kind:         TimestampValue,
			Precision:    c.Precision,
			WithTimezone: strings.Contains(name, "tz") || strings.Contains(name, "with time zone"),
		}, nil
	case name == "date":
		return Type{Kind: DateValue}, nil
	case strings.Contains(name, "decimal") || strings.Contains(name, "numeric"):
		return Type{Kind: DecimalValue, NumericPrecision: c.Precision, Scale: c.Scale}, nil
	case strings.Contains(name, "float") || strings.Contains(name, "double") || strings.Contains(name, "real"):
		return Type{Kind: FloatValue, NumericPrecision: c.Precision}, nil
	case strings.Contains(name, "bool"):
		return Type{Kind: BooleanValue}, nil
	case strings.Contains(name, "json"):
		return Type{Kind: JSONValue}, nil
	case strings.Contains(name, "char") || strings.Contains(name, "text") || name == "":
		return Type{Kind: TextualKey}, nil
	default:
		return Type{Kind: TextualKey}, nil
	}
}

func wildcardToRegexp(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `%`, `.*`)
	return regexp.MustCompile("^" + quoted + "$")
}

// normalizeColumn returns the SQL fragment for column using its resolved
// type descriptor and the counterpart type on the other side (which may
// differ in precision/scale; the wider common representation is used per
// the widening rules in widen). This is the value normalizer: the
// orchestrators never compare raw typed values between sides, only this
// canonical text.
func normalizeColumn(dialect database.Dialect, column string, own, other Type) (string, error) {
	quoted := dialect.QuoteIdentifier(column)
	t := own
	if compatible(own, other) {
		t = widen(own, other)
	}

	switch t.Kind {
	case IntegralKey:
		return dialect.CastVarchar(quoted, 20), nil
	case TextualKey:
		return dialect.CastVarchar(quoted, 255), nil
	case UUIDKey:
		return fmt.Sprintf("LOWER(%s)", dialect.CastVarchar(quoted, 36)), nil
	case TimestampValue:
		return normalizeTimestamp(dialect, quoted, t), nil
	case DateValue:
		return dialect.CastVarchar(quoted, 10), nil
	case DecimalValue, FloatValue:
		width := t.NumericPrecision + 2 // sign + decimal point
		return dialect.CastVarchar(fixedScale(dialect, quoted, t.Scale), width), nil
	case BooleanValue:
		return fmt.Sprintf("(CASE WHEN %s THEN 1 ELSE 0 END)", quoted), nil
	case JSONValue, StructValue:
		return dialect.CastVarchar(quoted, 8000), nil
	case ArrayValue:
		return dialect.CastVarchar(quoted, 8000), nil
	default:
		return "", &SchemaError{Kind: "UnsupportedComparedType", Msg: fmt.Sprintf("column %q has unsupported type %s", column, t.Kind)}
	}
}

// normalizeTimestamp renders column at the wider (coarser) precision of
// the two sides and normalizes to UTC whenever either side carries a
// timezone. The exact rendering function name is dialect
// specific; CastVarchar with a pre-rounded expression is sufficient here
// since every bundled adapter's native driver already returns UTC-backed
// time.Time values through database/sql.
func normalizeTimestamp(dialect database.Dialect, quoted string, t Type) string {
	expr := quoted
	if t.WithTimezone {
		expr = fmt.Sprintf("(%s AT TIME ZONE 'UTC')", expr)
	}
	// width 26 covers "YYYY-MM-DD HH:MM:SS.ffffff"
	return dialect.CastVarchar(dialect.TimestampTrunc(expr, t.Precision), 26)
}

func fixedScale(dialect database.Dialect, quoted string, scale int) string {
	return fmt.Sprintf("ROUND(%s, %d)", quoted, scale)
}

// rowHashExpr builds the per-row hash projection
// hash(concat(normalize(c1), sep, normalize(c2), ...)). sep is a
// delimiter chosen to be absent from all canonical forms (ASCII unit
// separator).
const columnSeparator = "\x1f"

func rowHashExpr(dialect database.Dialect, columns []string, ownSchema, otherSchema map[string]Type, caseSensitive bool) (string, error) {
	fold := func(name string) string {
		if caseSensitive {
			return name
		}
		return strings.ToLower(name)
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		own, ok := ownSchema[fold(col)]
		if !ok {
			return "", &SchemaError{Kind: "UnknownColumn", Msg: fmt.Sprintf("column %q missing from resolved schema", col)}
		}
		other := own
		if o, ok := otherSchema[fold(col)]; ok {
			other = o
		}
		frag, err := normalizeColumn(dialect, col, own, other)
		if err != nil {
			return "", err
		}
		parts[i] = frag
	}
	concatExpr := dialect.ConcatExpr(parts, columnSeparator)
	return dialect.HashExpr(concatExpr), nil
}

func formatKeyLiteral(dialect database.Dialect, v any) string {
	switch n := v.(type) {
	case int, int32, int64:
		return fmt.Sprintf("%d", n)
	case string:
		if u, err := uuid.Parse(n); err == nil {
			return dialect.Literal(u.String())
		}
		return dialect.Literal(n)
	default:
		return dialect.Literal(fmt.Sprintf("%v", n))
	}
}
