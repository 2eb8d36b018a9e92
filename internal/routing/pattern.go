package routing

import "strings"

type patternSegment struct {
	literal string
	param   bool
}

// PathPattern matches /seg/{param}/seg shaped paths segment by segment.
type PathPattern struct {
	segments []patternSegment
}

// ParsePathPattern compiles a pattern containing {param} segments. Plain
// paths with no parameters return false and should be matched exactly.
func ParsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") || !strings.HasPrefix(raw, "/") {
		return PathPattern{}, false
	}

	var segs []patternSegment
	for _, part := range splitPathSegments(raw) {
		switch {
		case part == "":
			return PathPattern{}, false
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			if len(part) <= 2 {
				return PathPattern{}, false
			}
			segs = append(segs, patternSegment{param: true})
		case strings.ContainsAny(part, "{}"):
			return PathPattern{}, false
		default:
			segs = append(segs, patternSegment{literal: part})
		}
	}
	return PathPattern{segments: segs}, true
}

func (p PathPattern) Match(path string) bool {
	if len(p.segments) == 0 {
		return false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if in[i] == "" {
			return false
		}
		if seg.param {
			continue
		}
		if in[i] != seg.literal {
			return false
		}
	}
	return true
}

func splitPathSegments(path string) []string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
