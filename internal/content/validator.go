// Package content checks generated post content against platform constraints.
package content

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"postpilot/internal/platform"
)

// Content is the opaque payload produced by the content generator.
type Content struct {
	Text      string   `json:"text"`
	MediaRefs []string `json:"media_refs,omitempty"`
}

// Result lists every constraint the content violates.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks c against p. It never short-circuits: all violations are
// reported in one pass, in the order length, unsupported media, missing media.
func Validate(c Content, p platform.Profile) Result {
	var errs []string

	if n := TextLength(c.Text); n > p.MaxTextLength {
		errs = append(errs, fmt.Sprintf("text exceeds %d characters by %d", p.MaxTextLength, n-p.MaxTextLength))
	}

	media := mediaCount(c.MediaRefs)
	if media > 0 && !p.SupportsMedia {
		errs = append(errs, fmt.Sprintf("platform %s does not support media; %d media reference(s) will be dropped", p.ID, media))
	}
	if p.RequiresMedia && media == 0 {
		errs = append(errs, fmt.Sprintf("platform %s requires at least one media reference", p.ID))
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// TextLength counts characters after NFC composition, so "e" plus a
// combining accent counts once, like the precomposed form.
func TextLength(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

func mediaCount(refs []string) int {
	n := 0
	for _, r := range refs {
		if strings.TrimSpace(r) != "" {
			n++
		}
	}
	return n
}
