// Package coords turns loosely shaped crop coordinates into rectangles.
//
// Callers pass regions as tuples, flat or nested lists, point pairs, maps with
// several key conventions, or any of those serialized as text. Normalize
// accepts a closed set of shapes, tried in a fixed order:
//
//  1. text: JSON, then a tuple literal, then "x1,y1,x2,y2"
//  2. a mapping: {"boxes": [...]}, {x1,y1,x2,y2}, {left,top,right,bottom}
//     or {x,y,w,h}
//  3. a flat sequence of four scalars
//  4. two (x, y) point pairs
//  5. a sequence of shapes 2-4, flattened in input order
//
// Coordinates are not range-checked here; that happens when cropping.
package coords

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/image-splitter/pkg/types"
)

const maxDepth = 8

// Normalize converts a region descriptor into an ordered list of rectangles.
// It fails with a MALFORMED_INPUT error when no shape matches or a coordinate
// is not numeric.
func Normalize(input any) ([]types.Rectangle, error) {
	rects, err := normalize(input, 0)
	if err != nil {
		return nil, types.NewError(types.KindMalformedInput, "normalize", describe(input), err)
	}
	return rects, nil
}

func normalize(v any, depth int) ([]types.Rectangle, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("coordinates nested deeper than %d levels", maxDepth)
	}

	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("no coordinates given")
	case types.Rectangle:
		return []types.Rectangle{t}, nil
	case []types.Rectangle:
		if len(t) == 0 {
			return nil, fmt.Errorf("empty coordinate list")
		}
		return append([]types.Rectangle(nil), t...), nil
	case image.Rectangle:
		return []types.Rectangle{{X1: t.Min.X, Y1: t.Min.Y, X2: t.Max.X, Y2: t.Max.Y}}, nil
	case string:
		return parseText(t, depth)
	case []byte:
		return parseText(string(t), depth)
	}

	if m, ok := asMap(v); ok {
		return fromMap(m, depth)
	}
	if seq, ok := asSeq(v); ok {
		return fromSeq(seq, depth)
	}
	return nil, fmt.Errorf("unsupported coordinate type %T", v)
}

func fromMap(m map[string]any, depth int) ([]types.Rectangle, error) {
	if boxes, ok := m["boxes"]; ok {
		if _, isSeq := asSeq(boxes); isSeq {
			return normalize(boxes, depth+1)
		}
	}

	if has(m, "x1", "y1", "x2", "y2") {
		r, err := box(m["x1"], m["y1"], m["x2"], m["y2"])
		return single(r, err)
	}
	if has(m, "left", "top", "right", "bottom") {
		r, err := box(m["left"], m["top"], m["right"], m["bottom"])
		return single(r, err)
	}
	if has(m, "x", "y", "w", "h") {
		x, y, w, h, err := ints4(m["x"], m["y"], m["w"], m["h"])
		if err != nil {
			return nil, err
		}
		return []types.Rectangle{{X1: x, Y1: y, X2: x + w, Y2: y + h}}, nil
	}
	return nil, fmt.Errorf("mapping has none of the key sets x1/y1/x2/y2, left/top/right/bottom, x/y/w/h or boxes")
}

func fromSeq(seq []any, depth int) ([]types.Rectangle, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("empty coordinate list")
	}

	if len(seq) == 4 && allScalar(seq) {
		r, err := box(seq[0], seq[1], seq[2], seq[3])
		// four strings may also be four boxes in text form
		if err == nil || !allText(seq) {
			return single(r, err)
		}
	}

	if len(seq) == 2 {
		p1, ok1 := asSeq(seq[0])
		p2, ok2 := asSeq(seq[1])
		if ok1 && ok2 && len(p1) == 2 && len(p2) == 2 {
			r, err := box(p1[0], p1[1], p2[0], p2[1])
			return single(r, err)
		}
	}

	var rects []types.Rectangle
	for i, item := range seq {
		if text, ok := item.(string); ok {
			sub, err := parseText(text, depth+1)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			rects = append(rects, sub...)
			continue
		}
		if isScalar(item) {
			return nil, fmt.Errorf("item %d: expected a box, point pair or mapping, got %T", i, item)
		}
		sub, err := normalize(item, depth+1)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		rects = append(rects, sub...)
	}
	return rects, nil
}

func single(r types.Rectangle, err error) ([]types.Rectangle, error) {
	if err != nil {
		return nil, err
	}
	return []types.Rectangle{r}, nil
}

func box(x1, y1, x2, y2 any) (types.Rectangle, error) {
	a, b, c, d, err := ints4(x1, y1, x2, y2)
	if err != nil {
		return types.Rectangle{}, err
	}
	return types.Rectangle{X1: a, Y1: b, X2: c, Y2: d}, nil
}

func ints4(v1, v2, v3, v4 any) (int, int, int, int, error) {
	var out [4]int
	for i, v := range [4]any{v1, v2, v3, v4} {
		n, err := toInt(v)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		out[i] = n
	}
	return out[0], out[1], out[2], out[3], nil
}

// toInt coerces one coordinate. Booleans are rejected even though some
// encoders treat them as numbers.
func toInt(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case bool:
		return 0, fmt.Errorf("coordinate cannot be a boolean: %v", n)
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("coordinate %q is not numeric", n.String())
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("coordinate %q is not numeric", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("coordinate %v (%T) is not numeric", v, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("coordinate %v is not finite", f)
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("coordinate %v out of range", f)
	}
	return int(f), nil
}

// parseText tries each text strategy in order; a strategy that cannot parse
// the text falls through to the next.
func parseText(s string, depth int) ([]types.Rectangle, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty coordinate string")
	}

	if v, err := decodeJSON(s); err == nil {
		return normalize(v, depth+1)
	}
	if v, err := decodeLiteral(s); err == nil {
		return normalize(v, depth+1)
	}
	if strings.Contains(s, ",") {
		var parts []any
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 4 {
			r, err := box(parts[0], parts[1], parts[2], parts[3])
			return single(r, err)
		}
	}
	return nil, fmt.Errorf("cannot parse coordinate string %q", s)
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

var (
	literalReplacer = strings.NewReplacer("(", "[", ")", "]", "'", `"`)
	trailingComma   = regexp.MustCompile(`,\s*([\]}])`)
	literalConsts   = regexp.MustCompile(`\b(True|False|None)\b`)
)

// decodeLiteral accepts tuple literals with single quotes and True/False/None, such as
// "[(100, 100, 400, 400), {'x': 1, 'y': 2, 'w': 3, 'h': 4}]".
func decodeLiteral(s string) (any, error) {
	if !strings.ContainsAny(s[:1], "[({") {
		return nil, fmt.Errorf("not a literal")
	}
	js := literalReplacer.Replace(s)
	js = trailingComma.ReplaceAllString(js, "$1")
	js = literalConsts.ReplaceAllStringFunc(js, func(c string) string {
		switch c {
		case "True":
			return "true"
		case "False":
			return "false"
		}
		return "null"
	})
	return decodeJSON(js)
}

func has(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func allScalar(seq []any) bool {
	for _, v := range seq {
		if !isScalar(v) {
			return false
		}
	}
	return true
}

func allText(seq []any) bool {
	for _, v := range seq {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

func isScalar(v any) bool {
	if _, ok := asSeq(v); ok {
		return false
	}
	if _, ok := asMap(v); ok {
		return false
	}
	switch v.(type) {
	case types.Rectangle, image.Rectangle:
		return false
	}
	return true
}

// asSeq views slices and arrays (other than byte slices) as []any.
func asSeq(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// asMap views string-keyed maps as map[string]any.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func describe(v any) string {
	s := fmt.Sprintf("%v", v)
	if t, ok := v.(string); ok {
		s = strconv.Quote(t)
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
