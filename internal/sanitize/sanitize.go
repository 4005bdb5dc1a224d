// Package sanitize provides pure functions that gate untrusted strings
// and paths before they reach storage, shells, or markup renderers.
// Each sanitizer returns a cleaned string or a typed error; Validate
// produces a report of every issue found without modifying the input.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode controls the size limit and blocklist applied before
// format-specific sanitization.
type Mode string

const (
	// ModeStrict caps input at 10 KB and blocks script-injection
	// markers outright.
	ModeStrict Mode = "strict"
	// ModeRelaxed applies format-specific sanitization only.
	ModeRelaxed Mode = "relaxed"
	// ModeDefault caps input at 1 MB.
	ModeDefault Mode = "default"
)

const (
	strictMaxLen  = 10 * 1024
	defaultMaxLen = 1024 * 1024
)

// IssueType classifies a finding from Validate.
type IssueType string

const (
	IssueHTMLInjection    IssueType = "html_injection"
	IssueSQLInjection     IssueType = "sql_injection"
	IssueCommandInjection IssueType = "command_injection"
	IssueFormatString     IssueType = "format_string"
	IssueXXE              IssueType = "xxe"
	IssuePathTraversal    IssueType = "path_traversal"
	IssueLength           IssueType = "length"
)

// Severity ranks how dangerous an issue is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding.
type Issue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail"`
}

// Report collects the issues found in one input.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Clean reports whether no issues were found.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Error is the typed failure returned when sanitization blocks input.
type Error struct {
	Type   IssueType
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sanitize: %s: %s", e.Type, e.Detail)
}

var (
	scriptTagRe    = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>|<script\b[^>]*/?>`)
	eventHandlerRe = regexp.MustCompile(`(?i)\bon\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsURIRe        = regexp.MustCompile(`(?i)javascript\s*:`)
	dataB64Re      = regexp.MustCompile(`(?i)data\s*:[^,]*;base64`)
	sqlCommentRe   = regexp.MustCompile(`--[^\n]*|/\*.*?\*/|#[^\n]*`)
	sqlKeywordRe   = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|EXEC|EXECUTE|UNION|INSERT|UPDATE|GRANT|REVOKE)\b`)
	cmdSubstRe     = regexp.MustCompile("\\$\\([^)]*\\)|`[^`]*`")
	fmtDirectiveRe = regexp.MustCompile(`%[ns]`)
	xmlDangerRe    = regexp.MustCompile(`(?i)<!DOCTYPE\b[^>]*>|<!ENTITY\b[^>]*>|\bSYSTEM\b|\bPUBLIC\b`)
	driveLetterRe  = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
	strictBlockRe  = regexp.MustCompile(`(?i)<script|javascript:|\bon\w+\s*=|eval\(`)
)

// shell metacharacters escaped by Command.
const shellMeta = `|&;<>(){}*?!"'` + "\n"

// checkMode enforces the size cap and, for strict mode, the blocklist.
func checkMode(input string, mode Mode) error {
	max := defaultMaxLen
	switch mode {
	case ModeStrict:
		max = strictMaxLen
	case ModeRelaxed:
		max = 0
	}
	if max > 0 && len(input) > max {
		return &Error{Type: IssueLength, Detail: fmt.Sprintf("input exceeds %d bytes", max)}
	}
	if mode == ModeStrict && strictBlockRe.MatchString(input) {
		return &Error{Type: IssueHTMLInjection, Detail: "blocked pattern in strict mode"}
	}
	return nil
}

// HTML strips script tags, event handlers, and dangerous URI schemes,
// then HTML-encodes the remainder.
func HTML(input string, mode Mode) (string, error) {
	if err := checkMode(input, mode); err != nil {
		return "", err
	}
	s := scriptTagRe.ReplaceAllString(input, "")
	s = eventHandlerRe.ReplaceAllString(s, "")
	s = jsURIRe.ReplaceAllString(s, "")
	s = dataB64Re.ReplaceAllString(s, "")
	s = htmlEncode(s)
	return s, nil
}

func htmlEncode(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return r.Replace(s)
}

// SQL removes comments, escapes single quotes, and drops dangerous
// keywords when statement terminators are present.
func SQL(input string, mode Mode) (string, error) {
	if err := checkMode(input, mode); err != nil {
		return "", err
	}
	s := sqlCommentRe.ReplaceAllString(input, "")
	s = strings.ReplaceAll(s, "'", "''")
	if strings.Contains(s, ";") {
		s = sqlKeywordRe.ReplaceAllString(s, "")
	}
	return s, nil
}

// Command removes command substitution, escapes shell metacharacters,
// and strips NUL bytes.
func Command(input string, mode Mode) (string, error) {
	if err := checkMode(input, mode); err != nil {
		return "", err
	}
	s := strings.ReplaceAll(input, "\x00", "")
	s = cmdSubstRe.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(shellMeta, r) || r == '$' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// FormatString removes %n and %s directives and escapes stray percent
// signs.
func FormatString(input string, mode Mode) (string, error) {
	if err := checkMode(input, mode); err != nil {
		return "", err
	}
	s := fmtDirectiveRe.ReplaceAllString(input, "")
	s = strings.ReplaceAll(s, "%", "%%")
	return s, nil
}

// XML strips DOCTYPE and ENTITY declarations along with SYSTEM/PUBLIC
// identifiers to neutralize external entity expansion.
func XML(input string, mode Mode) (string, error) {
	if err := checkMode(input, mode); err != nil {
		return "", err
	}
	return xmlDangerRe.ReplaceAllString(input, ""), nil
}

// Path rejects traversal sequences, home expansion, absolute paths, and
// drive-prefixed paths; NUL bytes are stripped before checking.
func Path(input string) (string, error) {
	s := strings.ReplaceAll(input, "\x00", "")
	if s == "" {
		return "", &Error{Type: IssuePathTraversal, Detail: "empty path"}
	}
	if strings.Contains(s, "..") {
		return "", &Error{Type: IssuePathTraversal, Detail: "path contains '..'"}
	}
	if strings.HasPrefix(s, "~") {
		return "", &Error{Type: IssuePathTraversal, Detail: "path contains home expansion"}
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`) {
		return "", &Error{Type: IssuePathTraversal, Detail: "absolute path not allowed"}
	}
	if driveLetterRe.MatchString(s) {
		return "", &Error{Type: IssuePathTraversal, Detail: "drive-prefixed path not allowed"}
	}
	return s, nil
}

// Validate inspects input without modifying it and reports every class
// of issue found.
func Validate(input string, mode Mode) Report {
	var report Report
	add := func(t IssueType, sev Severity, detail string) {
		report.Issues = append(report.Issues, Issue{Type: t, Severity: sev, Detail: detail})
	}

	max := defaultMaxLen
	if mode == ModeStrict {
		max = strictMaxLen
	}
	if mode != ModeRelaxed && len(input) > max {
		add(IssueLength, SeverityMedium, fmt.Sprintf("input exceeds %d bytes", max))
	}

	if scriptTagRe.MatchString(input) || eventHandlerRe.MatchString(input) ||
		jsURIRe.MatchString(input) || dataB64Re.MatchString(input) {
		add(IssueHTMLInjection, SeverityHigh, "script tag, event handler, or dangerous URI")
	}
	if sqlCommentRe.MatchString(input) || (strings.Contains(input, ";") && sqlKeywordRe.MatchString(input)) {
		add(IssueSQLInjection, SeverityHigh, "SQL comment or keyword with statement terminator")
	}
	if cmdSubstRe.MatchString(input) || strings.ContainsAny(input, "|&;`") {
		add(IssueCommandInjection, SeverityCritical, "command substitution or shell metacharacter")
	}
	if fmtDirectiveRe.MatchString(input) {
		add(IssueFormatString, SeverityMedium, "format string directive")
	}
	if xmlDangerRe.MatchString(input) {
		add(IssueXXE, SeverityHigh, "DOCTYPE, ENTITY, or external identifier")
	}
	if strings.Contains(input, "..") || strings.HasPrefix(input, "/") ||
		strings.HasPrefix(input, "~") || driveLetterRe.MatchString(input) {
		add(IssuePathTraversal, SeverityHigh, "path traversal or absolute path")
	}
	return report
}
