package diffcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rowdiff/rowdiff/database"
)

// KeyBounds is inclusive-min, exclusive-max; a nil bound is unbounded.
type KeyBounds struct {
	MinKey any
	MaxKey any
}

// TableSegment is a logical table
// reference bound by key range, age filter, and predicate, plus the
// resolved per-column type descriptors. TableSegments are created by the
// caller; child segments narrow KeyBounds and are never mutated once
// created.
type TableSegment struct {
	Path            []string
	KeyColumns      []string
	UpdateColumn    string // "" means unset
	ExtraColumns    []string
	KeyBounds       KeyBounds
	MinUpdate       *time.Time
	MaxUpdate       *time.Time
	WherePredicate  string
	Schema          map[string]Type
	CaseSensitive   bool
	AssumeUniqueKey bool

	Dialect database.Dialect
}

// comparedColumns returns the deduplicated, order-stable list of columns
// folded into the per-row hash / projection: key columns, then the update
// column (once — Open Question resolution), then extras.
func (t *TableSegment) comparedColumns() []string {
	seen := make(map[string]bool, len(t.KeyColumns)+len(t.ExtraColumns)+1)
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, k := range t.KeyColumns {
		add(k)
	}
	add(t.UpdateColumn)
	for _, c := range t.ExtraColumns {
		add(c)
	}
	return out
}

// withBounds produces a child segment narrowed to bounds. It is a shallow
// copy: the child shares the parent's slices, update bounds, dialect and
// Schema map.
func (t *TableSegment) withBounds(bounds KeyBounds) *TableSegment {
	child := *t
	child.KeyBounds = bounds
	return &child
}

// isSingleRow reports whether the bounds can contain at most one row;
// such a range must not be split further.
func (b KeyBounds) isSingleRow() bool {
	if b.MinKey == nil || b.MaxKey == nil {
		return false
	}
	if minI, ok := asInt64(b.MinKey); ok {
		if maxI, ok := asInt64(b.MaxKey); ok {
			return maxI-minI <= 1
		}
	}
	return b.MinKey == b.MaxKey
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// BindSchema is the Schema Binder: it resolves key_columns,
// update_column, and extra_columns against the live schema, expanding any
// '%'-wildcards in extra_columns, case-normalizing per dialect, and fails
// fast with UnknownColumn on a mismatch. Wildcard expansion excludes any
// column that is already a key column or the update column.
func BindSchema(ctx context.Context, t *TableSegment) error {
	cols, err := t.Dialect.ListColumns(ctx, t.Path)
	if err != nil {
		return &BackendError{Segment: pathString(t.Path), Transient: true, Err: err}
	}

	byName := make(map[string]database.Column, len(cols))
	fold := func(name string) string {
		if t.CaseSensitive {
			return name
		}
		return strings.ToLower(name)
	}
	for _, c := range cols {
		byName[fold(c.Name)] = c
	}

	resolved := make(map[string]Type, len(cols))
	lookup := func(name string) (Type, error) {
		c, ok := byName[fold(name)]
		if !ok {
			return Type{}, &SchemaError{Kind: "UnknownColumn", Msg: fmt.Sprintf("column %q not found on %s", name, pathString(t.Path))}
		}
		typ, err := resolveType(c)
		if err != nil {
			return Type{}, err
		}
		return typ, nil
	}

	if len(t.KeyColumns) == 0 {
		return &ConfigError{Msg: "key_columns must be non-empty"}
	}
	excluded := make(map[string]bool, len(t.KeyColumns)+1)
	for _, k := range t.KeyColumns {
		typ, err := lookup(k)
		if err != nil {
			return err
		}
		if !typ.Kind.isKeyKind() {
			return &SchemaError{Kind: "TypeMismatch", Msg: fmt.Sprintf("key column %q has non-key type %s", k, typ.Kind)}
		}
		resolved[fold(k)] = typ
		excluded[fold(k)] = true
	}
	if t.UpdateColumn != "" {
		typ, err := lookup(t.UpdateColumn)
		if err != nil {
			return err
		}
		resolved[fold(t.UpdateColumn)] = typ
		excluded[fold(t.UpdateColumn)] = true
	}

	var expanded []string
	for _, pattern := range t.ExtraColumns {
		if !strings.Contains(pattern, "%") {
			if excluded[fold(pattern)] {
				continue
			}
			typ, err := lookup(pattern)
			if err != nil {
				return err
			}
			if err := checkComparable(typ); err != nil {
				return err
			}
			resolved[fold(pattern)] = typ
			expanded = append(expanded, pattern)
			continue
		}
		re := wildcardToRegexp(pattern)
		for _, c := range cols {
			if excluded[fold(c.Name)] || !re.MatchString(c.Name) {
				continue
			}
			typ, err := resolveType(c)
			if err != nil {
				return err
			}
			if err := checkComparable(typ); err != nil {
				continue // unsupported types are silently excluded from wildcard expansion
			}
			resolved[fold(c.Name)] = typ
			expanded = append(expanded, c.Name)
		}
	}
	t.ExtraColumns = expanded
	t.Schema = resolved
	return nil
}

func checkComparable(t Type) error {
	if t.Kind == JSONValue || t.Kind == StructValue {
		// JSON/struct are only rejected outright when a dialect cannot
		// render them deterministically; the concrete dialect adapters in
		// this repo all support a stable textual form, so only ArrayValue
		// of an unresolved element type is rejected here.
		return nil
	}
	if t.Kind == ArrayValue && t.Element == nil {
		return &SchemaError{Kind: "UnsupportedComparedType", Msg: "array column with unknown element type"}
	}
	return nil
}

// foldName case-normalizes name the same way BindSchema does when
// building t.Schema, so later lookups against t.Schema use a matching key.
func foldName(t *TableSegment, name string) string {
	if t.CaseSensitive {
		return name
	}
	return strings.ToLower(name)
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}
