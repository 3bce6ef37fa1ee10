package media

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the asset family and its path segment.
type Kind string

const (
	KindPhotos Kind = "photos"
	KindVideos Kind = "videos"
)

// Variant path segments. Deletion derives sibling variants from a stored path
// by swapping these segments, so they must stay plain substrings.
const (
	variantOriginal   = "original"
	variantCompressed = "compressed"
	variantThumbnails = "thumbnails"
)

// Planner derives deterministic, hierarchical storage paths. It performs no
// I/O; the clock is injectable so the derivation is a pure function of its
// inputs in tests.
type Planner struct {
	now func() time.Time
}

func NewPlanner() *Planner {
	return &Planner{now: time.Now}
}

func NewPlannerAt(now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{now: now}
}

// Plan composes {category-slug}/{year}/{month}/{identifier}/{kind}. The year
// is read out of the identifier; a malformed identifier falls back to the
// current calendar year. Variant segments are appended by the pipeline, not
// here.
func (p *Planner) Plan(category, identifier string, kind Kind) string {
	t := p.now().UTC()
	year := yearFromIdentifier(identifier, t.Year())
	return fmt.Sprintf("%s/%d/%02d/%s/%s", Slugify(category), year, int(t.Month()), identifier, kind)
}

func yearFromIdentifier(identifier string, fallback int) int {
	parts := strings.Split(identifier, "-")
	if len(parts) < 3 {
		return fallback
	}
	raw := parts[len(parts)-2]
	if len(raw) != 4 {
		return fallback
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year <= 0 {
		return fallback
	}
	return year
}

// Slugify lowercases and replaces every run of non-alphanumerics with a
// single dash.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "uncategorized"
	}
	return out
}
