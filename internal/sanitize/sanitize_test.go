package sanitize_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/runehost/runehost/internal/sanitize"
)

func TestHTML_StripsAndEncodes(t *testing.T) {
	got, err := sanitize.HTML(`<b>hi</b><script>alert(1)</script>`, sanitize.ModeDefault)
	if err != nil {
		t.Fatalf("HTML() error: %v", err)
	}
	if strings.Contains(got, "script") || strings.Contains(got, "<") {
		t.Errorf("HTML() = %q, script or raw markup survived", got)
	}
	if got != "&lt;b&gt;hi&lt;/b&gt;" {
		t.Errorf("HTML() = %q", got)
	}
}

func TestHTML_EventHandlersAndURIs(t *testing.T) {
	cases := []string{
		`<img src=x onerror="steal()">`,
		`<a href="javascript:alert(1)">x</a>`,
		`<iframe src="data:text/html;base64,PHNjcmlwdD4=">`,
	}
	for _, input := range cases {
		got, err := sanitize.HTML(input, sanitize.ModeDefault)
		if err != nil {
			t.Fatalf("HTML(%q) error: %v", input, err)
		}
		lower := strings.ToLower(got)
		if strings.Contains(lower, "onerror") || strings.Contains(lower, "javascript:") || strings.Contains(lower, ";base64") {
			t.Errorf("HTML(%q) = %q, dangerous fragment survived", input, got)
		}
	}
}

func TestStrictMode_Blocks(t *testing.T) {
	_, err := sanitize.HTML(`<script>x</script>`, sanitize.ModeStrict)
	var se *sanitize.Error
	if !errors.As(err, &se) || se.Type != sanitize.IssueHTMLInjection {
		t.Errorf("strict HTML() error = %v, want blocked html_injection", err)
	}

	// Clean input passes strict mode.
	if _, err := sanitize.HTML("plain text", sanitize.ModeStrict); err != nil {
		t.Errorf("strict HTML() of plain text error: %v", err)
	}
}

func TestLengthCaps(t *testing.T) {
	big := strings.Repeat("a", 10*1024+1)

	_, err := sanitize.HTML(big, sanitize.ModeStrict)
	var se *sanitize.Error
	if !errors.As(err, &se) || se.Type != sanitize.IssueLength {
		t.Errorf("strict oversize error = %v, want length", err)
	}

	// The same input is fine in default mode (1 MB cap) and relaxed
	// mode (no cap).
	if _, err := sanitize.HTML(big, sanitize.ModeDefault); err != nil {
		t.Errorf("default mode rejected 10 KB input: %v", err)
	}
	huge := strings.Repeat("a", 1024*1024+1)
	if _, err := sanitize.HTML(huge, sanitize.ModeDefault); err == nil {
		t.Error("default mode accepted input over 1 MB")
	}
	if _, err := sanitize.HTML(huge, sanitize.ModeRelaxed); err != nil {
		t.Errorf("relaxed mode rejected oversize input: %v", err)
	}
}

func TestSQL(t *testing.T) {
	got, err := sanitize.SQL("O'Brien", sanitize.ModeDefault)
	if err != nil {
		t.Fatalf("SQL() error: %v", err)
	}
	if got != "O''Brien" {
		t.Errorf("SQL() = %q, want doubled quote", got)
	}

	got, _ = sanitize.SQL("value -- drop it all", sanitize.ModeDefault)
	if strings.Contains(got, "--") {
		t.Errorf("SQL() = %q, comment survived", got)
	}

	// Keywords are stripped only alongside a statement terminator.
	got, _ = sanitize.SQL("1; DROP TABLE users", sanitize.ModeDefault)
	if strings.Contains(got, "DROP") {
		t.Errorf("SQL() = %q, DROP survived with terminator present", got)
	}
	got, _ = sanitize.SQL("UPDATE is a keyword", sanitize.ModeDefault)
	if !strings.Contains(got, "UPDATE") {
		t.Errorf("SQL() = %q, keyword removed without terminator", got)
	}
}

func TestCommand(t *testing.T) {
	got, err := sanitize.Command("ls $(whoami)", sanitize.ModeDefault)
	if err != nil {
		t.Fatalf("Command() error: %v", err)
	}
	if strings.Contains(got, "whoami") {
		t.Errorf("Command() = %q, substitution survived", got)
	}

	got, _ = sanitize.Command("a|b && c", sanitize.ModeDefault)
	if got != `a\|b \&\& c` {
		t.Errorf("Command() = %q", got)
	}

	got, _ = sanitize.Command("echo $HOME", sanitize.ModeDefault)
	if got != `echo \$HOME` {
		t.Errorf("Command() = %q, want escaped dollar", got)
	}

	got, _ = sanitize.Command("nul\x00byte", sanitize.ModeDefault)
	if strings.Contains(got, "\x00") {
		t.Errorf("Command() = %q, NUL byte survived", got)
	}
}

func TestFormatString(t *testing.T) {
	got, err := sanitize.FormatString("%s %n safe", sanitize.ModeDefault)
	if err != nil {
		t.Fatalf("FormatString() error: %v", err)
	}
	if strings.Contains(got, "%s") || strings.Contains(got, "%n") {
		t.Errorf("FormatString() = %q, directives survived", got)
	}

	got, _ = sanitize.FormatString("100%", sanitize.ModeDefault)
	if got != "100%%" {
		t.Errorf("FormatString() = %q, want escaped percent", got)
	}
}

func TestXML(t *testing.T) {
	input := `<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><foo>&xxe;</foo>`
	got, err := sanitize.XML(input, sanitize.ModeDefault)
	if err != nil {
		t.Fatalf("XML() error: %v", err)
	}
	upper := strings.ToUpper(got)
	if strings.Contains(upper, "DOCTYPE") || strings.Contains(upper, "ENTITY") || strings.Contains(upper, "SYSTEM") {
		t.Errorf("XML() = %q, external entity machinery survived", got)
	}
}

func TestPath(t *testing.T) {
	if got, err := sanitize.Path("data/output.txt"); err != nil || got != "data/output.txt" {
		t.Errorf("Path(relative) = %q, %v", got, err)
	}
	// NUL bytes are stripped before validation.
	if got, err := sanitize.Path("ok\x00name"); err != nil || got != "okname" {
		t.Errorf("Path(with NUL) = %q, %v", got, err)
	}

	bad := []string{
		"",
		"../../etc/passwd",
		"dir/../secret",
		"~/private",
		"/etc/passwd",
		`\windows\path`,
		`C:\windows`,
	}
	for _, input := range bad {
		_, err := sanitize.Path(input)
		var se *sanitize.Error
		if !errors.As(err, &se) || se.Type != sanitize.IssuePathTraversal {
			t.Errorf("Path(%q) error = %v, want path_traversal", input, err)
		}
	}
}

func TestValidate(t *testing.T) {
	if r := sanitize.Validate("perfectly ordinary text", sanitize.ModeDefault); !r.Clean() {
		t.Errorf("Validate(clean input) = %+v", r.Issues)
	}

	r := sanitize.Validate(`<script>x</script> $(rm -rf /) ../up`, sanitize.ModeDefault)
	if r.Clean() {
		t.Fatal("Validate() missed every issue")
	}
	found := map[sanitize.IssueType]sanitize.Severity{}
	for _, issue := range r.Issues {
		found[issue.Type] = issue.Severity
	}
	if _, ok := found[sanitize.IssueHTMLInjection]; !ok {
		t.Error("html_injection not reported")
	}
	if sev, ok := found[sanitize.IssueCommandInjection]; !ok || sev != sanitize.SeverityCritical {
		t.Errorf("command_injection = %s, want critical", sev)
	}
	if _, ok := found[sanitize.IssuePathTraversal]; !ok {
		t.Error("path_traversal not reported")
	}
}
