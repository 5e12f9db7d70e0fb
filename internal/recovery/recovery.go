// Package recovery turns oracle text into structured values.
//
// Parse runs a fixed ladder: strip markdown fences, strict parse, normalize and
// parse again, then schema-directed field extraction. When every rung fails it
// returns ErrNeedsFallback and the caller takes its deterministic fallback path.
package recovery

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNeedsFallback signals that no structured value could be recovered.
var ErrNeedsFallback = errors.New("recovery: needs fallback")

// Shape is the top-level JSON shape a caller expects.
type Shape int

const (
	ShapeObject Shape = iota
	ShapeArray
)

// Kind is the JSON type of a declared field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindStringList
)

// Field declares one field used by regex extraction.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema describes the expected value.
type Schema struct {
	Shape  Shape
	Fields []Field
}

// Stage names the ladder rung that produced a value.
type Stage string

const (
	StageStrict     Stage = "strict"
	StageNormalized Stage = "normalized"
	StageExtracted  Stage = "extracted"
	StageFallback   Stage = "fallback"
)

// Parse returns a map[string]any for ShapeObject or a []any for ShapeArray.
func Parse(text string, schema Schema) (any, error) {
	v, _, err := ParseStage(text, schema)
	return v, err
}

// ParseStage is Parse that also reports which rung succeeded.
func ParseStage(text string, schema Schema) (any, Stage, error) {
	body := StripFences(text)
	if strings.TrimSpace(body) == "" {
		return nil, StageFallback, ErrNeedsFallback
	}

	if v, ok := decode(body, schema.Shape); ok {
		return v, StageStrict, nil
	}

	if v, ok := decode(Normalize(body, schema.Shape), schema.Shape); ok {
		return v, StageNormalized, nil
	}

	if v, ok := extract(body, schema); ok {
		return v, StageExtracted, nil
	}

	return nil, StageFallback, ErrNeedsFallback
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")

// StripFences removes a markdown code fence around the payload, if present.
func StripFences(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		// Unterminated fence: drop the opening line.
		if i := strings.IndexByte(t, '\n'); i >= 0 {
			return strings.TrimSpace(t[i+1:])
		}
		return ""
	}
	return t
}

// decode parses body strictly and conforms it to the expected shape.
func decode(body string, shape Shape) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, false
	}
	return conform(v, shape)
}

func conform(v any, shape Shape) (any, bool) {
	switch shape {
	case ShapeArray:
		switch t := v.(type) {
		case []any:
			if len(t) == 1 {
				if inner, ok := unwrapList(t[0]); ok {
					return inner, true
				}
			}
			return t, true
		case map[string]any:
			if inner, ok := unwrapList(t); ok {
				return inner, true
			}
			return []any{t}, true
		}
	case ShapeObject:
		switch t := v.(type) {
		case map[string]any:
			return t, true
		case []any:
			if len(t) > 0 {
				if m, ok := t[0].(map[string]any); ok {
					return m, true
				}
			}
		}
	}
	return nil, false
}

// unwrapList returns the list inside an object like {"items": [...]}, whose
// only key holds an array.
func unwrapList(v any) ([]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	for _, inner := range m {
		list, ok := inner.([]any)
		return list, ok
	}
	return nil, false
}

// =============================================================================
// NORMALIZATION
// =============================================================================

var (
	singleQuotedRe = regexp.MustCompile(`([\[{,:]\s*)'((?:[^'\\]|\\.)*)'`)
	trailingComma  = regexp.MustCompile(`,\s*([\]}])`)
)

// Normalize applies the textual repairs of the second parse attempt.
func Normalize(body string, shape Shape) string {
	s := span(body, shape)
	s = singleQuotedRe.ReplaceAllString(s, `$1"$2"`)
	s = trailingComma.ReplaceAllString(s, "$1")
	s = fixBackslashes(s)
	if shape == ShapeArray && strings.HasPrefix(s, "{") {
		s = "[" + s + "]"
	}
	return s
}

// span isolates the outermost JSON value so surrounding prose is ignored.
func span(body string, shape Shape) string {
	if shape == ShapeArray {
		if i, j := strings.IndexByte(body, '['), strings.LastIndexByte(body, ']'); i >= 0 && j > i {
			if k := strings.IndexByte(body, '{'); k < 0 || i < k {
				return body[i : j+1]
			}
		}
	}
	if i, j := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); i >= 0 && j > i {
		return body[i : j+1]
	}
	return body
}

// fixBackslashes doubles backslashes that do not start a valid JSON escape.
func fixBackslashes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && strings.IndexByte(`"\/bfnrtu`, s[i+1]) >= 0 {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}
