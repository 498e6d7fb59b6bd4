package telegram

import (
	"strings"
	"testing"

	logx "renewd/pkg/logx"
)

func TestSplitTextShortUnchanged(t *testing.T) {
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line one\n", 30)
	chunks := splitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
	}
	// No content lost beyond trimmed newlines.
	joined := strings.Join(chunks, "\n") + "\n"
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(text, "\n", "") {
		t.Fatalf("content lost during split")
	}
}

func TestSplitTextHardWrapWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if total := len(strings.Join(chunks, "")); total != 250 {
		t.Fatalf("total runes = %d, want 250", total)
	}
}

func TestNewRejectsMissingSettings(t *testing.T) {
	if _, err := New(Config{Token: "", ChatID: 1}, logx.Nop()); err == nil {
		t.Fatalf("New accepted empty token")
	}
	if _, err := New(Config{Token: "t", ChatID: 0}, logx.Nop()); err == nil {
		t.Fatalf("New accepted zero chat id")
	}
}
