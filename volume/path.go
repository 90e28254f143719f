package volume

import "strings"

// joinPath appends name to dir, which may be "" for the root.
func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// splitPath breaks a "/"-separated path into its non-empty components,
// so "/a/b/", "a/b", and "//a//b" all resolve identically.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
