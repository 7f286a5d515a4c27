// Package classify decides whether a command string is destructive and,
// if so, what it touches and how severe it is. It is a pure function over
// the command text: the snapshot engine uses it to pick what to back up,
// and the controller can use it to gate command acceptance.
package classify

import (
	"regexp"
	"strings"
)

// Category groups destructive commands by what they destroy.
type Category string

const (
	CategoryDelete   Category = "delete"
	CategoryMove     Category = "move"
	CategoryFormat   Category = "format"
	CategoryTruncate Category = "truncate"
	CategoryRegistry Category = "registry"
	CategoryDatabase Category = "database"
	CategorySystem   Category = "system"
)

// Severity ranks the blast radius of a destructive command.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Analysis is the classifier's verdict for one command string.
// Deterministic: the same command always yields the same record,
// including path order.
type Analysis struct {
	IsDestructive  bool     `json:"is_destructive"`
	Category       Category `json:"category,omitempty"`
	AffectedPaths  []string `json:"affected_paths,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
	Description    string   `json:"description,omitempty"`
	RequiresBackup bool     `json:"requires_backup"`
}

// Analyze classifies a command string. Safe patterns are checked first
// and short-circuit; destructive categories are tried in declared order
// with first-match-wins.
func Analyze(command string) Analysis {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Analysis{}
	}

	for _, re := range safePatterns {
		if re.MatchString(trimmed) {
			return Analysis{}
		}
	}

	for _, rule := range destructiveRules {
		m := rule.Pattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		paths := extractPaths(m)
		return Analysis{
			IsDestructive:  true,
			Category:       rule.Category,
			AffectedPaths:  paths,
			Severity:       escalate(rule.BaseSeverity, trimmed, paths),
			Description:    rule.Description,
			RequiresBackup: rule.Category != CategoryFormat && rule.Category != CategorySystem,
		}
	}

	return Analysis{}
}

// extractPaths collects non-empty capture groups as affected paths, in
// capture order, splitting whitespace-separated multi-target groups.
func extractPaths(match []string) []string {
	var paths []string
	for _, g := range match[1:] {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		for _, p := range strings.Fields(g) {
			if strings.HasPrefix(p, "-") || strings.HasPrefix(p, "/s") && len(p) == 2 {
				continue
			}
			paths = append(paths, strings.Trim(p, `"'`))
		}
	}
	return paths
}

// escalate raises the base severity: recursive flags and wildcard
// targets go to high; any path under a known system prefix is critical.
func escalate(base Severity, command string, paths []string) Severity {
	sev := base
	if recursiveFlags.MatchString(command) && rank(sev) < rank(SeverityHigh) {
		sev = SeverityHigh
	}
	for _, p := range paths {
		if strings.ContainsAny(p, "*?") && rank(sev) < rank(SeverityHigh) {
			sev = SeverityHigh
		}
		if underSystemPrefix(p) {
			return SeverityCritical
		}
	}
	return sev
}

func rank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

func underSystemPrefix(path string) bool {
	lower := strings.ToLower(strings.ReplaceAll(path, `\`, `/`))
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

var recursiveFlags = regexp.MustCompile(`(?i)(\s-[a-z]*r[a-z]*\b|\s/s\b|\s-Recurse\b)`)
