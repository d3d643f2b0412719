// Package output provides a set of formatters for diff events and run
// statistics. It is extendable and for now provides two formats: human
// and JSONL.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rowdiff/rowdiff/diffcore"
	"github.com/rowdiff/rowdiff/util"
)

// Format names an output rendering.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Formatter renders diff events and the final run summary.
type Formatter interface {
	FormatEvent(ev diffcore.DiffEvent) (string, error)
	FormatStats(stats diffcore.Stats) (string, error)
}

// NewFormatter creates a Formatter for name. An empty name defaults to
// human-readable output.
func NewFormatter(name string) (Formatter, error) {
	format := Format(strings.ToLower(strings.TrimSpace(name)))
	switch format {
	case "", FormatHuman:
		return humanFormatter{}, nil
	case FormatJSON:
		return jsonFormatter{}, nil
	default:
		return nil, fmt.Errorf("output: unsupported format %q; use 'human' or 'json'", name)
	}
}

type humanFormatter struct{}

// FormatEvent renders "+ (k1, k2, ..., c1, c2, ...)": the key tuple
// first, then the remaining compared columns in canonical (sorted name)
// order so output is stable across runs.
func (humanFormatter) FormatEvent(ev diffcore.DiffEvent) (string, error) {
	display := func(v any) string {
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return fmt.Sprint(v)
	}
	parts := make([]string, 0, len(ev.Key)+len(ev.Row))
	for _, k := range ev.Key {
		parts = append(parts, display(k))
	}
	for _, v := range util.CanonicalMapIter(ev.Row) {
		parts = append(parts, display(v))
	}
	return fmt.Sprintf("%s (%s)", ev.Sign, strings.Join(parts, ", ")), nil
}

func (humanFormatter) FormatStats(stats diffcore.Stats) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "rows compared: %d\n", stats.RowsCompared)
	fmt.Fprintf(&b, "rows different: %d (+%d / -%d)\n", stats.RowsDifferent, stats.Plus, stats.Minus)
	fmt.Fprintf(&b, "elapsed: %s\n", stats.Elapsed)
	if stats.Incomplete {
		fmt.Fprintf(&b, "incomplete: run was cancelled or a segment failed\n")
	}
	return b.String(), nil
}

type jsonRecord struct {
	Sign string         `json:"sign"`
	Key  []any          `json:"key"`
	Row  map[string]any `json:"row"`
}

type jsonFormatter struct{}

func (jsonFormatter) FormatEvent(ev diffcore.DiffEvent) (string, error) {
	buf, err := json.Marshal(jsonRecord{Sign: ev.Sign.String(), Key: ev.Key, Row: ev.Row})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (jsonFormatter) FormatStats(stats diffcore.Stats) (string, error) {
	buf, err := json.Marshal(stats)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteStream drains stream, writing each event via f to w, one per
// line, until the stream closes or the writer returns an error.
func WriteStream(w io.Writer, f Formatter, stream *diffcore.Stream) error {
	for ev := range stream.Events() {
		line, err := f.FormatEvent(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
