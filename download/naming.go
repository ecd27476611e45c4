package download

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// modelShorts maps raw model labels observed in routed events to their
// canonical abbreviations. Unknown labels fall back to a sanitized compact
// form so filenames stay deterministic either way.
var modelShorts = map[string]string{
	"veo 3 - fast":      "v3f",
	"veo 3 - quality":   "v3q",
	"veo 3.1 - fast":    "v31f",
	"veo 3.1 - quality": "v31q",
}

// ModelShort returns the canonical abbreviation of a raw model label.
func ModelShort(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if short, ok := modelShorts[key]; ok {
		return short
	}
	if key == "" {
		return "unk"
	}
	// Fallback: keep alphanumerics only, capped.
	var b strings.Builder
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return "unk"
	}
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

// promptSlug returns the normalized, lowercase, hyphenated tail of the
// prompt: the last few words carry the distinguishing detail in long prompts.
func promptSlug(prompt string, maxWords, maxLen int) string {
	words := strings.Fields(prompt)
	if len(words) > maxWords {
		words = words[len(words)-maxWords:]
	}
	s := slug.Make(strings.Join(words, " "))
	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "prompt"
	}
	return s
}

// Filename builds the deterministic artifact name:
//
//	YYYY-MM-DD_{requestIdx:03d}_{slug}_{modelShort}_{takeIdx:02d}_{durationSec}s.<ext>
//
// The date is the request's submission day so re-runs of the download alone
// never move the file.
func Filename(submittedAt time.Time, requestIdx int64, prompt, model string, takeIdx, durationSec int, ext string) string {
	if !strings.HasPrefix(ext, ".") && ext != "" {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%03d_%s_%s_%02d_%ds%s",
		submittedAt.Format("2006-01-02"),
		requestIdx,
		promptSlug(prompt, 6, 40),
		ModelShort(model),
		takeIdx,
		durationSec,
		ext)
}
