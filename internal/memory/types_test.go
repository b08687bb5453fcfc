package memory

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestImportanceWeight(t *testing.T) {
	tests := []struct {
		imp  Importance
		want int
	}{
		{Critical, 3}, {Useful, 2}, {Ambient, 1}, {"unknown", 0},
	}
	for _, tt := range tests {
		if got := tt.imp.Weight(); got != tt.want {
			t.Errorf("%q.Weight() = %d, want %d", tt.imp, got, tt.want)
		}
	}
	if !Critical.AtLeast(Useful) || Ambient.AtLeast(Useful) || !Ambient.AtLeast("") {
		t.Error("AtLeast ordering wrong")
	}
}

func TestEntryJSON_MetadataByType(t *testing.T) {
	exp := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	in := Entry{
		ID:         "mem_1_abcdef",
		Type:       TaskSummary,
		Importance: Useful,
		Content:    "Computed fibonacci",
		Metadata:   TaskSummaryMeta{PlanID: "plan_1", StepCount: 4, FailedCount: 1, Tools: []string{"python"}},
		ExpiresAt:  &exp,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Entry
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	meta, ok := out.Metadata.(TaskSummaryMeta)
	if !ok {
		t.Fatalf("metadata type = %T, want TaskSummaryMeta", out.Metadata)
	}
	if meta.PlanID != "plan_1" || meta.FailedCount != 1 || len(meta.Tools) != 1 {
		t.Errorf("metadata = %+v", meta)
	}
	if out.ExpiresAt == nil || !out.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v", out.ExpiresAt)
	}
}

func TestDecodeMetadata(t *testing.T) {
	if m, err := DecodeMetadata(LearnedFact, nil); m != nil || err != nil {
		t.Errorf("empty raw = (%v, %v), want (nil, nil)", m, err)
	}
	if _, err := DecodeMetadata("bogus", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidType) {
		t.Errorf("unknown type error = %v", err)
	}
	if _, err := DecodeMetadata(ToolCache, json.RawMessage(`[1]`)); err == nil {
		t.Error("expected error for malformed metadata")
	}
	for _, typ := range Types {
		m, err := DecodeMetadata(typ, json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("DecodeMetadata(%s): %v", typ, err)
		}
		if m.MemoryType() != typ {
			t.Errorf("DecodeMetadata(%s) produced %s metadata", typ, m.MemoryType())
		}
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	if (Entry{}).Expired(now) {
		t.Error("entry without expiry should never expire")
	}
	if !(Entry{ExpiresAt: &past}).Expired(now) {
		t.Error("past expiry should be expired")
	}
}
