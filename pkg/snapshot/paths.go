package snapshot

import (
	"path/filepath"
	"strings"
)

// MonitoredPaths turns a classifier's affected paths into the set of
// absolute paths to capture. Relative paths resolve against the
// command's working directory, and the working directory itself is
// always part of the set. Wildcard components fall back to their parent
// directory so the glob's whole neighborhood is preserved; deletion
// targets get the same treatment, since restoring a removed path needs
// the directory it lived in.
func MonitoredPaths(workingDir string, affected []string, captureParents bool) []string {
	var out []string
	for _, p := range affected {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) && !isWindowsAbs(p) {
			p = filepath.Join(workingDir, p)
		}
		if strings.ContainsAny(filepath.Base(p), "*?") || captureParents {
			p = filepath.Dir(p)
		}
		out = append(out, p)
	}
	if workingDir != "" {
		out = append(out, workingDir)
	}
	return dedupe(out)
}

// isWindowsAbs recognizes drive-letter paths even when the agent runs
// on a POSIX build, so cross-platform commands resolve sanely.
func isWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
