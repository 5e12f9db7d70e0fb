package recovery

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	dqString = `"((?:[^"\\]|\\.)*)"`
	sqString = `'((?:[^'\\]|\\.)*)'`
)

var listItemRe = regexp.MustCompile(dqString + `|` + sqString)

// extract recovers the declared fields with regular expressions. A value is
// returned only when every required field was found.
func extract(body string, schema Schema) (any, bool) {
	if len(schema.Fields) == 0 {
		return nil, false
	}

	if schema.Shape == ShapeObject {
		return extractObject(body, schema.Fields)
	}

	// Arrays: fields are matched inside each object's own segment, so a
	// missing optional field never shifts values onto a later object.
	segs := segments(body, schema.Fields)
	if len(segs) == 0 {
		return nil, false
	}
	out := make([]any, 0, len(segs))
	for _, seg := range segs {
		obj, ok := extractObject(seg, schema.Fields)
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

func extractObject(body string, fields []Field) (map[string]any, bool) {
	obj := make(map[string]any)
	for _, f := range fields {
		vals := matchField(body, f)
		if len(vals) == 0 {
			if f.Required {
				return nil, false
			}
			continue
		}
		obj[f.Name] = vals[0]
	}
	if len(obj) == 0 {
		return nil, false
	}
	return obj, true
}

// segments splits an array body into one span per object. Spans start at an
// opening brace; text without braces is split at each occurrence of the
// first required field instead. Spans holding no declared field are dropped.
func segments(body string, fields []Field) []string {
	var segs []string
	for _, seg := range splitAt(body, braceStarts(body)) {
		if holdsField(seg, fields) {
			segs = append(segs, seg)
		}
	}

	anchor, ok := firstRequired(fields)
	if !ok || len(segs) > 1 {
		return segs
	}
	locs := fieldPattern(anchor).FindAllStringIndex(body, -1)
	if len(locs) < 2 {
		return segs
	}
	starts := make([]int, 0, len(locs))
	for i, loc := range locs {
		if i == 0 {
			starts = append(starts, 0)
			continue
		}
		starts = append(starts, loc[0])
	}
	return splitAt(body, starts)
}

func braceStarts(body string) []int {
	var starts []int
	for i := 0; i < len(body); i++ {
		if body[i] == '{' {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}
	return starts
}

func splitAt(body string, starts []int) []string {
	out := make([]string, 0, len(starts))
	for i, st := range starts {
		end := len(body)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		out = append(out, body[st:end])
	}
	return out
}

func holdsField(seg string, fields []Field) bool {
	for _, f := range fields {
		if fieldPattern(f).MatchString(seg) {
			return true
		}
	}
	return false
}

func firstRequired(fields []Field) (Field, bool) {
	for _, f := range fields {
		if f.Required {
			return f, true
		}
	}
	return Field{}, false
}

type patternKey struct {
	name string
	kind Kind
}

var patterns sync.Map // patternKey -> *regexp.Regexp

// fieldPattern compiles the pattern for f once per name and kind.
func fieldPattern(f Field) *regexp.Regexp {
	k := patternKey{f.Name, f.Kind}
	if re, ok := patterns.Load(k); ok {
		return re.(*regexp.Regexp)
	}
	key := `["']` + regexp.QuoteMeta(f.Name) + `["']\s*:\s*`
	var re *regexp.Regexp
	switch f.Kind {
	case KindNumber:
		re = regexp.MustCompile(key + `"?(-?\d+(?:\.\d+)?)`)
	case KindBool:
		re = regexp.MustCompile(`(?i)` + key + `"?(true|false)`)
	case KindStringList:
		re = regexp.MustCompile(`(?s)` + key + `\[(.*?)\]`)
	default:
		re = regexp.MustCompile(key + `(?:` + dqString + `|` + sqString + `)`)
	}
	actual, _ := patterns.LoadOrStore(k, re)
	return actual.(*regexp.Regexp)
}

func matchField(body string, f Field) []any {
	var vals []any
	for _, m := range fieldPattern(f).FindAllStringSubmatch(body, -1) {
		switch f.Kind {
		case KindNumber:
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				vals = append(vals, v)
			}
		case KindBool:
			vals = append(vals, strings.EqualFold(m[1], "true"))
		case KindStringList:
			items := []any{}
			for _, im := range listItemRe.FindAllStringSubmatch(m[1], -1) {
				items = append(items, unquote(firstNonEmpty(im[1], im[2])))
			}
			vals = append(vals, items)
		default:
			vals = append(vals, unquote(firstNonEmpty(m[1], m[2])))
		}
	}
	return vals
}

func unquote(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
