package tools

// FilterDefinitions keeps the definitions whose names are in allowed.
// An empty allowed list keeps everything.
func FilterDefinitions(defs []Definition, allowed []string) []Definition {
	if len(allowed) == 0 {
		return defs
	}
	set := allowedSet(allowed)
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if set[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// IsAllowed reports whether name passes the allowed list. An empty list
// allows every tool.
func IsAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func allowedSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
