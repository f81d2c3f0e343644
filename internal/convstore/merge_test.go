package convstore

import (
	"testing"

	"elida-transcribe/internal/model"
)

func seg(id string, speaker int, start, end float64, text string) model.TranscriptSegment {
	return model.TranscriptSegment{ID: id, SpeakerID: speaker, StartSec: start, EndSec: end, Text: text}
}

func TestMergeCoalesceSameID(t *testing.T) {
	existing := []model.TranscriptSegment{seg("a", 0, 0, 1, "hello")}
	incoming := []model.TranscriptSegment{seg("a", 0, 0, 2, "hello there")}

	merged, r := Merge(existing, incoming, 0.5)

	if len(merged) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(merged))
	}
	if merged[0].Text != "hello there" || merged[0].EndSec != 2 {
		t.Fatalf("coalesce did not update text/end_sec: %+v", merged[0])
	}
	if r != (Range{Start: 0, End: 1}) {
		t.Fatalf("unexpected range: %+v", r)
	}
}

func TestMergeAppendSameSpeakerSmallGap(t *testing.T) {
	existing := []model.TranscriptSegment{seg("a", 1, 0, 1.0, "hi")}
	incoming := []model.TranscriptSegment{seg("b", 1, 1.2, 2.0, "there")}

	merged, r := Merge(existing, incoming, 0.5)

	if len(merged) != 1 {
		t.Fatalf("expected append-merge into 1 segment, got %d: %+v", len(merged), merged)
	}
	if merged[0].Text != "hi there" {
		t.Fatalf("expected concatenated text, got %q", merged[0].Text)
	}
	if merged[0].EndSec != 2.0 {
		t.Fatalf("expected end_sec from new segment, got %v", merged[0].EndSec)
	}
	if r != (Range{Start: 0, End: 1}) {
		t.Fatalf("unexpected range: %+v", r)
	}
}

func TestMergeInsertNewSegmentDifferentSpeaker(t *testing.T) {
	existing := []model.TranscriptSegment{seg("a", 1, 0, 1.0, "hi")}
	incoming := []model.TranscriptSegment{seg("b", 2, 1.0, 2.0, "hello")}

	merged, r := Merge(existing, incoming, 0.5)

	if len(merged) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(merged))
	}
	if merged[1].ID != "b" {
		t.Fatalf("expected new segment appended, got %+v", merged)
	}
	if r != (Range{Start: 1, End: 2}) {
		t.Fatalf("unexpected range: %+v", r)
	}
}

func TestMergeInsertPreservesAscendingStartSec(t *testing.T) {
	existing := []model.TranscriptSegment{
		seg("a", 1, 0, 1.0, "first"),
		seg("c", 1, 10, 11, "last"),
	}
	// Different speaker from both neighbors, arrives out of order, must be
	// inserted between them by start_sec.
	incoming := []model.TranscriptSegment{seg("b", 2, 5, 6, "middle")}

	merged, _ := Merge(existing, incoming, 0.5)

	if len(merged) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(merged))
	}
	ids := []string{merged[0].ID, merged[1].ID, merged[2].ID}
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("expected ascending start_sec order a,b,c, got %v", ids)
	}
}

func TestMergeGapTooLargeInsertsNewSegment(t *testing.T) {
	existing := []model.TranscriptSegment{seg("a", 1, 0, 1.0, "hi")}
	incoming := []model.TranscriptSegment{seg("b", 1, 2.0, 3.0, "later")}

	merged, _ := Merge(existing, incoming, 0.5)

	if len(merged) != 2 {
		t.Fatalf("expected no coalesce across large gap, got %d segments", len(merged))
	}
}

func TestMergeAssociativeOverDisjointBatches(t *testing.T) {
	existing := []model.TranscriptSegment{seg("a", 1, 0, 1.0, "hi")}
	a := []model.TranscriptSegment{seg("b", 2, 2.0, 3.0, "middle")}
	b := []model.TranscriptSegment{seg("c", 3, 4.0, 5.0, "end")}

	left, _ := Merge(existing, a, 0.5)
	left, _ = Merge(left, b, 0.5)

	right, _ := Merge(existing, append(append([]model.TranscriptSegment{}, a...), b...), 0.5)

	if len(left) != len(right) {
		t.Fatalf("associativity (L1) violated: lengths differ: %d vs %d", len(left), len(right))
	}
	for i := range left {
		if left[i].ID != right[i].ID || left[i].Text != right[i].Text {
			t.Fatalf("associativity (L1) violated at index %d: %+v vs %+v", i, left[i], right[i])
		}
	}
}

func TestApplySpeakerAssignmentsUser(t *testing.T) {
	segments := []model.TranscriptSegment{seg("a", 0, 0, 1, "hi")}
	ApplySpeakerAssignments(segments, Range{Start: 0, End: 1}, map[string]string{"a": "user"})

	if !segments[0].IsUser || segments[0].PersonID != nil {
		t.Fatalf("expected is_user=true, person_id=nil, got %+v", segments[0])
	}
}

func TestApplySpeakerAssignmentsPerson(t *testing.T) {
	segments := []model.TranscriptSegment{seg("a", 0, 0, 1, "hi")}
	ApplySpeakerAssignments(segments, Range{Start: 0, End: 1}, map[string]string{"a": "person-123"})

	if segments[0].IsUser {
		t.Fatalf("expected is_user=false, got true")
	}
	if segments[0].PersonID == nil || *segments[0].PersonID != "person-123" {
		t.Fatalf("expected person_id=person-123, got %+v", segments[0].PersonID)
	}
}

func TestApplySpeakerAssignmentsSkipsAlreadyResolved(t *testing.T) {
	personID := "existing"
	segments := []model.TranscriptSegment{{ID: "a", PersonID: &personID}}
	ApplySpeakerAssignments(segments, Range{Start: 0, End: 1}, map[string]string{"a": "user"})

	if segments[0].PersonID == nil || *segments[0].PersonID != "existing" {
		t.Fatalf("expected existing assignment preserved, got %+v", segments[0].PersonID)
	}
}

func TestApplySpeakerAssignmentsOutOfRangeIgnored(t *testing.T) {
	segments := []model.TranscriptSegment{
		seg("a", 0, 0, 1, "hi"),
		seg("b", 0, 1, 2, "there"),
	}
	ApplySpeakerAssignments(segments, Range{Start: 0, End: 1}, map[string]string{"b": "user"})

	if segments[1].IsUser {
		t.Fatalf("assignment outside [start,end) should not apply")
	}
}
