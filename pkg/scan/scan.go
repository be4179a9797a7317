// Package scan statically inspects extension-module Python sources for
// risky constructs before the module is loaded by the app: runtime
// package installs, hard-coded network targets, obfuscation markers and
// known exfiltration or mining indicators. Findings are advisory; the
// pipeline surfaces them as warnings and never blocks activation.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Severity ranks a finding. HIGH and MEDIUM findings make a module
// insecure; LOW is informational.
type Severity string

const (
	High   Severity = "HIGH"
	Medium Severity = "MEDIUM"
	Low    Severity = "LOW"
)

// Issue is one finding in one file.
type Issue struct {
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the scan result for a single file.
type Report struct {
	File   string  `json:"file"`
	Issues []Issue `json:"issues"`
	Secure bool    `json:"secure"`
}

var (
	urlRE           = regexp.MustCompile(`(?i)https?://[^\s'"\\)]+`)
	ipRE            = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	base64RE        = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`)
	obfuscatedVarRE = regexp.MustCompile(`^[ \t]*([A-Za-z_][A-Za-z0-9_]{29,})\s*=`)
	pipInstallRE    = regexp.MustCompile(`(?i)\bpip3?\s+install\b`)
	digitRE         = regexp.MustCompile(`\d`)
)

type indicator struct {
	re       *regexp.Regexp
	severity Severity
	detail   string
}

var maliciousIndicators = []indicator{
	{regexp.MustCompile(`(?i)discord(app)?\.com/api/webhooks`), High, "Discord webhook URL found."},
	{regexp.MustCompile(`(?i)stratum\+tcp://`), High, "Possible mining pool (stratum) URL found."},
	{regexp.MustCompile(`(?i)\b(nicehash|nanopool|ethermine|minergate|supportxmr|f2pool|2miners|viabtc|slushpool)\b`), High, "Known crypto-mining pool reference found."},
}

var dangerousCalls = []indicator{
	{regexp.MustCompile(`\beval\s*\(`), High, "Uses eval() for dynamic code execution."},
	{regexp.MustCompile(`\bexec\s*\(`), High, "Uses exec() for dynamic code execution."},
	{regexp.MustCompile(`\bos\.system\s*\(`), High, "Uses os.system() to execute shell commands."},
	{regexp.MustCompile(`\bsubprocess\.Popen\s*\(`), High, "Uses subprocess.Popen() to spawn a process."},
	{regexp.MustCompile(`\bsubprocess\.(run|call)\s*\(`), Medium, "Uses subprocess to execute a process."},
}

// ScanFile scans one Python source file.
func ScanFile(path string) Report {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{
			File:   path,
			Issues: []Issue{{Severity: High, Detail: fmt.Sprintf("Failed to read file: %v", err)}},
		}
	}
	issues := scanSource(string(data))
	return Report{File: path, Issues: issues, Secure: secure(issues)}
}

// ScanModule scans every .py file under dir and returns one report per
// file, ordered by path. A missing or empty directory yields no
// reports.
func ScanModule(dir string) []Report {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".py") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)

	var reports []Report
	for _, f := range files {
		reports = append(reports, ScanFile(f))
	}
	return reports
}

func secure(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == High || is.Severity == Medium {
			return false
		}
	}
	return true
}

func scanSource(source string) []Issue {
	var issues []Issue
	seen := make(map[string]bool)
	add := func(sev Severity, detail string, line int) {
		detail = fmt.Sprintf("%s (line %d)", detail, line)
		key := string(sev) + "|" + detail
		if seen[key] {
			return
		}
		seen[key] = true
		issues = append(issues, Issue{Severity: sev, Detail: detail})
	}

	for idx, line := range strings.Split(source, "\n") {
		n := idx + 1

		if pipInstallRE.MatchString(line) {
			add(High, "Contains 'pip install' invocation string.", n)
		}
		if base64RE.MatchString(line) {
			add(Medium, "Large base64-like string found (possible obfuscation).", n)
		}
		if m := obfuscatedVarRE.FindStringSubmatch(line); m != nil && digitRE.MatchString(m[1]) {
			add(Low, "Unusually long variable name with digits (possible obfuscation).", n)
		}
		for _, ind := range maliciousIndicators {
			if ind.re.MatchString(line) {
				add(ind.severity, ind.detail, n)
			}
		}
		if strings.Contains(line, "requests.") || strings.Contains(line, "urllib") {
			if m := urlRE.FindString(line); m != "" {
				add(Medium, fmt.Sprintf("Hard-coded URL in network call: %s.", m), n)
			}
			if m := ipRE.FindString(line); m != "" {
				add(Medium, fmt.Sprintf("Hard-coded IP in network call: %s.", m), n)
			}
		}
		for _, ind := range dangerousCalls {
			if ind.re.MatchString(line) {
				add(ind.severity, ind.detail, n)
			}
		}
	}
	return issues
}
