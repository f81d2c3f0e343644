package convstore

import (
	"log/slog"
	"sort"
	"strings"

	"elida-transcribe/internal/model"
)

// Range is a half-open index range [Start, End) into a merged segment
// list, identifying the segments a particular merge call contributed.
type Range struct {
	Start int
	End   int
}

const coalesceGapSeconds = 0.5

// Merge implements the §4.2 segment merge policy as a pure function so it
// can be unit tested and reasoned about independently of storage and
// locking. gapSeconds is the configurable coalesce threshold (Config.Merge.
// CoalesceGapSeconds, default 0.5s — see the Open Question decision in
// DESIGN.md).
func Merge(existing []model.TranscriptSegment, incoming []model.TranscriptSegment, gapSeconds float64) ([]model.TranscriptSegment, Range) {
	if gapSeconds <= 0 {
		gapSeconds = coalesceGapSeconds
	}

	merged := make([]model.TranscriptSegment, len(existing))
	copy(merged, existing)

	byID := make(map[string]int, len(merged))
	for i, seg := range merged {
		byID[seg.ID] = i
	}

	start := len(merged)
	end := len(merged)

	for _, seg := range incoming {
		// Rule 1: same id coalesces into the existing segment.
		if idx, ok := byID[seg.ID]; ok {
			prev := merged[idx]
			if !isPrefixCompatible(prev.Text, seg.Text) {
				slog.Warn("merge_text_conflict", "segment_id", seg.ID, "prev_text", prev.Text, "new_text", seg.Text)
			}
			prev.Text = seg.Text
			prev.EndSec = seg.EndSec
			prev.Translations = seg.Translations
			merged[idx] = prev
			if idx < start {
				start = idx
			}
			if idx+1 > end {
				end = idx + 1
			}
			continue
		}

		// Rule 2: append-to-previous if same speaker and small gap.
		if len(merged) > 0 {
			prev := merged[len(merged)-1]
			if prev.SpeakerID == seg.SpeakerID && seg.StartSec-prev.EndSec < gapSeconds {
				prev.Text = strings.TrimRight(prev.Text, " ") + " " + strings.TrimLeft(seg.Text, " ")
				prev.EndSec = seg.EndSec
				merged[len(merged)-1] = prev
				idx := len(merged) - 1
				if idx < start {
					start = idx
				}
				end = len(merged)
				continue
			}
		}

		// Rule 3: insert preserving ascending start_sec.
		insertAt := sort.Search(len(merged), func(i int) bool {
			return merged[i].StartSec > seg.StartSec
		})
		merged = append(merged, model.TranscriptSegment{})
		copy(merged[insertAt+1:], merged[insertAt:])
		merged[insertAt] = seg
		byID[seg.ID] = insertAt
		for id, idx := range byID {
			if idx >= insertAt && id != seg.ID {
				byID[id] = idx + 1
			}
		}
		if insertAt < start {
			start = insertAt
		}
		end = len(merged)
	}

	if start > end {
		start = end
	}
	return merged, Range{Start: start, End: end}
}

// isPrefixCompatible reports whether b is an equal or extending version of
// a (per §4.2 rule 1: "text must be a prefix-compatible extension or
// equal").
func isPrefixCompatible(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a)
}

// ApplySpeakerAssignments applies the speaker-assignment map (§4.2 rule 4)
// to every segment in [r.Start, r.End) that is not is_user and has no
// person_id.
func ApplySpeakerAssignments(segments []model.TranscriptSegment, r Range, assignments map[string]string) {
	if len(assignments) == 0 {
		return
	}
	end := r.End
	if end > len(segments) {
		end = len(segments)
	}
	for i := r.Start; i < end; i++ {
		seg := segments[i]
		if seg.IsUser || seg.PersonID != nil {
			continue
		}
		value, ok := assignments[seg.ID]
		if !ok {
			continue
		}
		if value == "user" {
			seg.IsUser = true
			seg.PersonID = nil
		} else {
			seg.IsUser = false
			personID := value
			seg.PersonID = &personID
		}
		segments[i] = seg
	}
}
