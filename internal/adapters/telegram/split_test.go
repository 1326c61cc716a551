package telegram

import (
	"strings"
	"testing"
)

func TestSplitPrefersSectionBoundary(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 2500))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("b", 500))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("c", 2000))

	parts := Split(builder.String(), MessageLimit)
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > MessageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, n)
		}
	}
	if !strings.HasSuffix(parts[0], "b") || parts[1] != strings.Repeat("c", 2000) {
		t.Fatalf("разрез должен пройти по пустой строке")
	}
}

func TestSplitFallsBackToNewline(t *testing.T) {
	text := strings.Repeat("я", 30) + "\n" + strings.Repeat("ю", 30)
	parts := Split(text, 40)
	if len(parts) != 2 || parts[0] != strings.Repeat("я", 30) || parts[1] != strings.Repeat("ю", 30) {
		t.Fatalf("неожиданное деление: %q", parts)
	}
}

func TestSplitHardCut(t *testing.T) {
	parts := Split(strings.Repeat("x", 25), 10)
	if len(parts) != 3 || parts[0] != strings.Repeat("x", 10) || parts[2] != strings.Repeat("x", 5) {
		t.Fatalf("неожиданное деление: %q", parts)
	}
}

func TestSplitShortAndEmpty(t *testing.T) {
	if parts := Split("итоги", 0); len(parts) != 1 || parts[0] != "итоги" {
		t.Fatalf("короткий текст не делится: %q", parts)
	}
	if parts := Split("   \n  ", 0); len(parts) != 0 {
		t.Fatalf("пустой текст не даёт частей: %q", parts)
	}
}
