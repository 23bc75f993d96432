package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/soochol/nodeflow/internal/flow"
)

// tokenPattern matches {{nodeId.path}} placeholders.
var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// OutputLookup is the read side of NodeOutputs.
type OutputLookup interface {
	Get(nodeID string) (any, bool)
}

// ResolveConfig returns a copy of config with every placeholder token in
// every string value substituted from outputs. Nested maps and slices are
// walked with an explicit worklist; non-string scalars pass through.
func ResolveConfig(config map[string]any, outputs OutputLookup) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	resolved := flow.CloneValue(config).(map[string]any)

	work := []any{resolved}
	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]

		switch c := item.(type) {
		case map[string]any:
			for k, v := range c {
				switch val := v.(type) {
				case string:
					c[k] = ResolveString(val, outputs)
				case map[string]any, []any:
					work = append(work, val)
				}
			}
		case []any:
			for i, v := range c {
				switch val := v.(type) {
				case string:
					c[i] = ResolveString(val, outputs)
				case map[string]any, []any:
					work = append(work, val)
				}
			}
		}
	}
	return resolved
}

// ResolveString substitutes the placeholder tokens in s. A token whose node
// has no output yet, or whose path does not exist, is left exactly as
// written.
func ResolveString(s string, outputs OutputLookup) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		ref := strings.TrimSpace(token[2 : len(token)-2])
		v, ok := lookupRef(ref, outputs)
		if !ok {
			return token
		}
		return stringify(v)
	})
}

func lookupRef(ref string, outputs OutputLookup) (any, bool) {
	nodeID, path, hasPath := strings.Cut(ref, ".")
	if nodeID == "" {
		return nil, false
	}
	if !hasPath {
		// {{nodeId[0]}} style references hang the path off the id directly.
		if i := strings.IndexByte(nodeID, '['); i > 0 {
			nodeID, path = nodeID[:i], nodeID[i:]
		}
	}
	if hasPath && strings.TrimSpace(path) == "" {
		return nil, false
	}
	root, ok := outputs.Get(nodeID)
	if !ok {
		return nil, false
	}
	segments, err := parsePath(path)
	if err != nil || (hasPath && len(segments) == 0) {
		return nil, false
	}
	return walkPath(root, segments)
}

// parsePath splits "a.b[0]['c d'].e" into its segments.
func parsePath(path string) ([]string, error) {
	var segs []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		switch ch := path[i]; ch {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed bracket in %q", path)
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			inner = strings.Trim(inner, `"'`)
			if inner == "" {
				return nil, fmt.Errorf("empty bracket in %q", path)
			}
			segs = append(segs, inner)
			i += end
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return segs, nil
}

func walkPath(v any, segments []string) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return fmt.Sprint(val)
		}
		return strings.TrimSuffix(buf.String(), "\n")
	default:
		return fmt.Sprint(val)
	}
}
