package core

import (
	"fmt"
	"strings"
	"testing"
)

func TestSelectSeed_EmptyReturnsInput(t *testing.T) {
	if got := selectSeed("", 100); got != "" {
		t.Errorf("selectSeed = %q, want empty", got)
	}
}

func TestSelectSeed_SingleParagraph(t *testing.T) {
	text := "This is a single paragraph with enough words to test."
	if got := selectSeed(text, 1000); got != text {
		t.Errorf("selectSeed = %q, want input unchanged", got)
	}
}

func TestSelectSeed_RespectsBudget(t *testing.T) {
	p1 := "alpha bravo charlie delta echo foxtrot golf hotel india juliet"
	p2 := "kilo lima mike november oscar papa quebec romeo sierra tango"
	p3 := "uniform victor whiskey xray yankee zulu ability bracket courage drum"
	text := fmt.Sprintf("%s\n\n%s\n\n%s", p1, p2, p3)

	// 5 tokens = 20 chars + 10% = 22 chars max; no full paragraph fits.
	got := selectSeed(text, 5)
	if len(got) > 22 {
		t.Errorf("seed length = %d, want <= 22", len(got))
	}
}

func TestSelectSeed_FallsBackToTailWhenNothingFits(t *testing.T) {
	text := "one long single paragraph that cannot fit inside the budget whole"
	got := selectSeed(text, 5) // 22 chars max, paragraph is far larger
	if got == "" {
		t.Fatal("seed is empty")
	}
	if len(got) > 22 {
		t.Errorf("seed length = %d, want <= 22", len(got))
	}
	if !strings.HasSuffix(text, got) {
		t.Errorf("seed %q is not a tail of the input", got)
	}
}

func TestSelectSeed_PreservesOriginalOrder(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here\n\nthird paragraph here"
	got := selectSeed(text, 1000)

	firstPos := strings.Index(got, "first")
	thirdPos := strings.Index(got, "third")
	if firstPos >= 0 && thirdPos >= 0 && firstPos > thirdPos {
		t.Errorf("original order not preserved: %q", got)
	}
}

func TestSelectSeed_FavorsDensityAndRecency(t *testing.T) {
	uniquePara := "consciousness gateway injection correlation threshold cascade delta watcher"
	repetitivePara := "word word word word word word word word word word"
	text := fmt.Sprintf("%s\n\n%s", repetitivePara, uniquePara)

	got := selectSeed(text, 100)
	if !strings.Contains(got, "consciousness") {
		t.Errorf("seed should favor the high-density paragraph, got %q", got)
	}
}

func TestSelectSeed_DropsEmptyParagraphs(t *testing.T) {
	text := "real content here\n\n\n\n\n\nmore content here"
	got := selectSeed(text, 1000)
	if got == "" {
		t.Fatal("seed is empty")
	}
	if !strings.Contains(got, "real content") {
		t.Errorf("seed = %q, want real content kept", got)
	}
}
