package download

import (
	"strings"
	"testing"
	"time"
)

func TestModelShort(t *testing.T) {
	cases := []struct {
		raw, want string
	}{
		{"veo 3.1 - fast", "v31f"},
		{"Veo 3.1 - Quality", "v31q"},
		{"veo 3 - fast", "v3f"},
		{"", "unk"},
		{"---", "unk"},
		{"Some Future Model 9000", "somefuturemo"},
	}
	for _, c := range cases {
		if got := ModelShort(c.raw); got != c.want {
			t.Errorf("ModelShort(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestFilename(t *testing.T) {
	submitted := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	got := Filename(submitted, 7, "A lone astronaut walks across a red dune at dusk",
		"veo 3.1 - fast", 2, 8, ".mp4")
	want := "2026-08-25_007_across-a-red-dune-at-dusk_v31f_02_8s.mp4"
	if got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}
}

func TestFilenameDeterministic(t *testing.T) {
	submitted := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	a := Filename(submitted, 1, "same prompt", "veo 3 - fast", 1, 8, "mp4")
	b := Filename(submitted, 1, "same prompt", "veo 3 - fast", 1, 8, ".mp4")
	if a != b {
		t.Errorf("extension normalization broke determinism: %q vs %q", a, b)
	}
	if !strings.HasSuffix(a, ".mp4") {
		t.Errorf("missing extension: %q", a)
	}
}

func TestPromptSlugCapsAndFallback(t *testing.T) {
	long := strings.Repeat("extraordinarily ", 10) + "long"
	s := promptSlug(long, 6, 40)
	if len(s) > 40 {
		t.Errorf("slug over cap: %q (%d)", s, len(s))
	}
	if strings.HasSuffix(s, "-") {
		t.Errorf("slug ends with hyphen after truncation: %q", s)
	}

	if got := promptSlug("???", 6, 40); got != "prompt" {
		t.Errorf("unsluggable prompt = %q, want fallback", got)
	}
}
