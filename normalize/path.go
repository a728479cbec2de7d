package normalize

import (
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Lookup walks payload along a path expression and returns the scalar values
// found, in document order.
//
// Segments are separated by dots. A segment may end with "[]" to flatten a
// list or "[n]" to pick one element. Lists met on the way are flattened
// implicitly. A trailing "|split:<sep>" splits each string value.
//
//	citation.author[].authorName.value
//	dateOfCollection[0].dateOfCollectionStart.value
//	metadata.subject|split:;
func Lookup(payload interface{}, expr string) []string {
	path, sep := expr, ""
	if i := strings.Index(expr, "|split:"); i >= 0 {
		path, sep = expr[:i], expr[i+len("|split:"):]
	}

	current := []interface{}{payload}
	for _, seg := range strings.Split(path, ".") {
		name, index, flatten := parseSegment(seg)
		var next []interface{}
		for _, v := range current {
			for _, item := range flattenList(v) {
				if name != "" {
					m, ok := asMap(item)
					if !ok {
						continue
					}
					var found bool
					item, found = m[name]
					if !found || item == nil {
						continue
					}
				}
				switch {
				case index >= 0:
					list := flattenList(item)
					if index < len(list) {
						next = append(next, list[index])
					}
				case flatten:
					next = append(next, flattenList(item)...)
				default:
					next = append(next, item)
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	var out []string
	for _, v := range current {
		for _, item := range flattenList(v) {
			s, ok := scalar(item)
			if !ok {
				continue
			}
			if sep == "" {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
				continue
			}
			for _, part := range strings.Split(s, sep) {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// parseSegment splits "name[2]" into its name and index. index is -1 when
// absent.
func parseSegment(seg string) (name string, index int, flatten bool) {
	index = -1
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, index, false
	}
	name, inner := seg[:open], seg[open+1:len(seg)-1]
	if inner == "" || strings.Contains(inner, "][") || inner == "]" {
		return name, index, true
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return name, index, true
	}
	return name, n, false
}

func flattenList(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		var out []interface{}
		for _, item := range list {
			out = append(out, flattenList(item)...)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out
	case []string:
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out
	}
	return []interface{}{v}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		return cast.ToStringMap(m), true
	}
	return nil, false
}

func scalar(v interface{}) (string, bool) {
	switch v.(type) {
	case nil, map[string]interface{}, map[interface{}]interface{}, []interface{}:
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}
