package probe

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	passRegex = regexp.MustCompile(`(?i)(\d+)\s+pass`)
	failRegex = regexp.MustCompile(`(?i)(\d+)\s+fail`)
)

// ParseTestCounts extracts the first "<n> pass..." and "<n> fail..." counts
// from test runner output. A count that does not appear is nil.
func ParseTestCounts(output string) (passed, failed *int) {
	return firstCount(passRegex, output), firstCount(failRegex, output)
}

func firstCount(re *regexp.Regexp, s string) *int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// ParseAuditVulnerabilities counts vulnerabilities in npm audit or pip-audit
// JSON. Output that is not recognizable JSON counts as zero.
func ParseAuditVulnerabilities(output string) int {
	doc, ok := extractJSON(output)
	if !ok {
		return 0
	}

	switch v := doc.(type) {
	case map[string]any:
		return countAuditObject(v)
	case []any:
		return countDependencyVulns(v)
	}
	return 0
}

// extractJSON parses output, falling back to the outermost {...} span when
// the tool printed banners around its JSON.
func extractJSON(output string) (any, bool) {
	var doc any
	trimmed := strings.TrimSpace(output)
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		return doc, true
	}

	start, end := strings.IndexByte(trimmed, '{'), strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func countAuditObject(doc map[string]any) int {
	// npm: metadata.vulnerabilities is {info, low, moderate, high, critical, total}
	if meta, ok := doc["metadata"].(map[string]any); ok {
		if sev, ok := meta["vulnerabilities"].(map[string]any); ok {
			if total, ok := sev["total"].(float64); ok {
				return int(total)
			}
			sum := 0
			for _, n := range sev {
				if f, ok := n.(float64); ok {
					sum += int(f)
				}
			}
			return sum
		}
	}

	// pip-audit: {"dependencies": [{"name": ..., "vulns": [...]}]}
	if deps, ok := doc["dependencies"].([]any); ok {
		return countDependencyVulns(deps)
	}

	switch v := doc["vulnerabilities"].(type) {
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	}
	return 0
}

func countDependencyVulns(deps []any) int {
	total := 0
	for _, d := range deps {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if vulns, ok := dep["vulns"].([]any); ok {
			total += len(vulns)
		}
	}
	return total
}
