// Package clausepath addresses fields inside module payloads.
//
// A clause path is a chain of field names and array indices, for example
// "encryptionControls[0].algorithm". Payloads are generic JSON trees
// (map[string]any, []any, scalars) as produced by encoding/json.
package clausepath

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrNotFound is returned when a path does not resolve in a document.
var ErrNotFound = errors.New("clause path not found")

// Segment is one step of a path: a field name or an array index.
type Segment struct {
	Field string
	Index int
	// IsIndex distinguishes "[0]" from a field literally named "0".
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Field
}

// Path is a parsed clause path.
type Path []Segment

// String renders the path back to its canonical text form.
func (p Path) String() string {
	var sb strings.Builder
	for i, seg := range p {
		if !seg.IsIndex && i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg.String())
	}
	return sb.String()
}

// Parse parses "a.b[0].c" into segments.
func Parse(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty clause path")
	}

	var path Path
	i := 0
	expectField := true
	for i < len(raw) {
		switch raw[i] {
		case '.':
			if expectField {
				return nil, fmt.Errorf("clause path %q: empty segment at offset %d", raw, i)
			}
			expectField = true
			i++
			if i == len(raw) {
				return nil, fmt.Errorf("clause path %q: trailing dot", raw)
			}
		case '[':
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("clause path %q: unterminated index at offset %d", raw, i)
			}
			idxText := raw[i+1 : i+end]
			idx, err := strconv.Atoi(idxText)
			if err != nil || idx < 0 || strings.HasPrefix(idxText, "+") {
				return nil, fmt.Errorf("clause path %q: invalid index %q", raw, idxText)
			}
			if expectField && len(path) > 0 {
				return nil, fmt.Errorf("clause path %q: index follows a dot at offset %d", raw, i)
			}
			path = append(path, Segment{Index: idx, IsIndex: true})
			expectField = false
			i += end + 1
		case ']':
			return nil, fmt.Errorf("clause path %q: unexpected ']' at offset %d", raw, i)
		default:
			if !expectField {
				return nil, fmt.Errorf("clause path %q: missing separator at offset %d", raw, i)
			}
			start := i
			for i < len(raw) && raw[i] != '.' && raw[i] != '[' && raw[i] != ']' {
				i++
			}
			path = append(path, Segment{Field: raw[start:i]})
			expectField = false
		}
	}
	if expectField {
		return nil, fmt.Errorf("clause path %q: empty segment", raw)
	}
	return path, nil
}

// Get returns the value at path inside doc.
func Get(doc any, path Path) (any, error) {
	cur := doc
	for i, seg := range path {
		next, err := step(cur, seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (at %s)", ErrNotFound, path, path[:i+1])
		}
		cur = next
	}
	return cur, nil
}

// GetString parses raw and resolves it in doc.
func GetString(doc any, raw string) (any, error) {
	path, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Get(doc, path)
}

func step(cur any, seg Segment) (any, error) {
	if seg.IsIndex {
		list, ok := cur.([]any)
		if !ok || seg.Index >= len(list) {
			return nil, ErrNotFound
		}
		return list[seg.Index], nil
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, ErrNotFound
	}
	val, ok := obj[seg.Field]
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Set returns a copy of doc with value placed at path. Only the containers along
// the path are copied; the input is never mutated. Every intermediate node must
// exist. A missing final map key is created; array indices must be in range.
func Set(doc map[string]any, path Path, value any) (map[string]any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty clause path")
	}
	if path[0].IsIndex {
		return nil, fmt.Errorf("clause path %s: module payload root is an object", path)
	}
	out, err := setIn(doc, path, 0, value)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func setIn(cur any, path Path, depth int, value any) (any, error) {
	seg := path[depth]
	last := depth == len(path)-1

	if seg.IsIndex {
		list, ok := cur.([]any)
		if !ok || seg.Index >= len(list) {
			return nil, fmt.Errorf("%w: %s (at %s)", ErrNotFound, path, path[:depth+1])
		}
		cp := make([]any, len(list))
		copy(cp, list)
		if last {
			cp[seg.Index] = value
			return cp, nil
		}
		child, err := setIn(list[seg.Index], path, depth+1, value)
		if err != nil {
			return nil, err
		}
		cp[seg.Index] = child
		return cp, nil
	}

	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s (at %s)", ErrNotFound, path, path[:depth+1])
	}
	cp := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		cp[k] = v
	}
	if last {
		cp[seg.Field] = value
		return cp, nil
	}
	next, exists := obj[seg.Field]
	if !exists {
		return nil, fmt.Errorf("%w: %s (at %s)", ErrNotFound, path, path[:depth+1])
	}
	child, err := setIn(next, path, depth+1, value)
	if err != nil {
		return nil, err
	}
	cp[seg.Field] = child
	return cp, nil
}

// Normalize round-trips v through encoding/json so values built in Go
// (ints, typed slices, structs) compare equal to decoded payload values.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports JSON-semantic equality of two values.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	ja, _ := json.Marshal(na)
	jb, _ := json.Marshal(nb)
	return bytes.Equal(ja, jb)
}

// EqualRaw compares a serialized value against a live one.
func EqualRaw(raw json.RawMessage, v any) bool {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	return Equal(decoded, v)
}

// Label renders a human label, e.g. "Encryption Controls #1 › Algorithm".
func Label(path Path) string {
	parts := make([]string, 0, len(path))
	for _, seg := range path {
		if seg.IsIndex {
			if len(parts) > 0 {
				parts[len(parts)-1] += " #" + strconv.Itoa(seg.Index+1)
			} else {
				parts = append(parts, "#"+strconv.Itoa(seg.Index+1))
			}
			continue
		}
		parts = append(parts, humanize(seg.Field))
	}
	return strings.Join(parts, " › ")
}

// humanize splits camelCase and snake_case identifiers into title-cased words.
func humanize(field string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(field)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
