package logline

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		sev  Severity
	}{
		{"loguru full", "2025-03-10 12:34:56.789 | INFO     | app.agent.base:run:137 - Executing step 1/20", "Executing step 1/20", SeverityInfo},
		{"loguru module origin", "2025-03-10 12:34:56.789 | WARNING  | __main__:main:42 - Processing request", "Processing request", SeverityWarning},
		{"timestamp without origin", "2025-03-10T12:34:56 | ERROR | tool failed", "tool failed", SeverityError},
		{"bare colon", "INFO: Content successfully saved to notes.txt", "Content successfully saved to notes.txt", SeverityInfo},
		{"bare pipe", "WARNING | token limit near", "token limit near", SeverityWarning},
		{"full width colon", "ERROR：文件未找到", "文件未找到", SeverityError},
		{"leading fragment", "| SUCCESS | done", "done", SeveritySuccess},
		{"trailing separators", "INFO: step finished |  ", "step finished", SeverityInfo},
		{"unmatched", "  plain agent thought  ", "plain agent thought", SeverityInfo},
		{"lowercase is not a level", "info: not a prefix", "info: not a prefix", SeverityInfo},
		{"word starting with level", "INFORMATION: kept", "INFORMATION: kept", SeverityInfo},
		{"ansi colored", "\x1b[32mINFO\x1b[0m: colored", "colored", SeverityInfo},
		{"carriage return rewrite", "downloading 10%\rdownloading 100%", "downloading 100%", SeverityInfo},
		{"traceback", "Traceback (most recent call last):", "Traceback (most recent call last):", SeverityError},
		{"empty", "", "", SeverityInfo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			line := Parse(tc.raw)
			if line.Text != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.raw, line.Text, tc.want)
			}
			if line.Severity != tc.sev {
				t.Fatalf("Classify(%q) = %q, want %q", tc.raw, line.Severity, tc.sev)
			}
			if again := Normalize(line.Text); again != line.Text {
				t.Fatalf("not idempotent: %q -> %q", line.Text, again)
			}
		})
	}
}

func TestNormalizeStacksPrefixes(t *testing.T) {
	raw := "2025-03-10 12:34:56 | INFO | app.agent:step:9 - ERROR: nested"
	if got := Normalize(raw); got != "nested" {
		t.Fatalf("unexpected result %q", got)
	}
	if sev := Classify(raw); sev != SeverityInfo {
		t.Fatalf("outermost level should win, got %q", sev)
	}
}

func TestFormat(t *testing.T) {
	got := Format(SeverityError, "agent exited: status 1")
	if got != "ERROR | agent exited: status 1" {
		t.Fatalf("unexpected format %q", got)
	}
	if Normalize(got) != "agent exited: status 1" {
		t.Fatalf("formatted line should normalize back to its text")
	}
}
