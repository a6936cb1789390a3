package directive

import (
	"strings"
	"testing"
	"time"
)

const sampleMessage = "Done. I set that up for you.\n\n" +
	"```schedule\n" +
	"expr: \"0 9 * * *\"\n" +
	"prompt: send the daily report\n" +
	"```\n\n" +
	"Anything else?\n"

func TestScan_FindsScheduleBlocks(t *testing.T) {
	directives := Scan(sampleMessage)
	if len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(directives))
	}
	d := directives[0]
	if d.Expr != "0 9 * * *" || d.Prompt != "send the daily report" {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestScan_IgnoresOtherFencesAndPlainText(t *testing.T) {
	text := "Here is some code:\n\n```go\nfmt.Println(\"hi\")\n```\n\nand prose."
	if got := Scan(text); len(got) != 0 {
		t.Fatalf("expected no directives in unrelated fences, got %d", len(got))
	}
	if got := Scan("plain answer, no fences"); got != nil {
		t.Fatalf("expected nil for plain text")
	}
}

func TestScan_SkipsMalformedBlocks(t *testing.T) {
	text := "```schedule\n:[not yaml\n```\n\n```schedule\nexpr: \"@daily\"\nprompt: tidy up\n```"
	directives := Scan(text)
	if len(directives) != 1 {
		t.Fatalf("malformed block must be skipped, got %d directives", len(directives))
	}
	if directives[0].Prompt != "tidy up" {
		t.Fatalf("unexpected surviving directive: %+v", directives[0])
	}
}

func TestValidate_ComputesNextRun(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	next, err := Validate(Directive{Expr: "0 9 * * *", Prompt: "report"}, now, "UTC")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run %v, want %v", next, want)
	}
}

func TestValidate_RejectsBadExpression(t *testing.T) {
	_, err := Validate(Directive{Expr: "not a cron", Prompt: "x"}, time.Now(), "")
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestProcess_DescribesAcceptedAndRejected(t *testing.T) {
	text := "```schedule\nexpr: \"@hourly\"\nprompt: poll inbox\n```\n\n" +
		"```schedule\nexpr: \"99 99 * * *\"\nprompt: broken\n```"
	results := Process(text, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "UTC")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("hourly directive should validate: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("out-of-range expression should be rejected")
	}
	if !strings.HasPrefix(Describe(results[0]), "scheduled") {
		t.Fatalf("unexpected description: %s", Describe(results[0]))
	}
	if !strings.HasPrefix(Describe(results[1]), "schedule rejected") {
		t.Fatalf("unexpected description: %s", Describe(results[1]))
	}
}
