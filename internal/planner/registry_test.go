package planner

import (
	"fmt"
	"testing"
	"time"
)

func TestPlans_PutGetList(t *testing.T) {
	r := NewPlans(0)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r.Put(Plan{ID: fmt.Sprintf("plan_%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	list := r.List()
	if list[0].ID != "plan_2" || list[2].ID != "plan_0" {
		t.Errorf("order = %s..%s, want newest first", list[0].ID, list[2].ID)
	}

	r.Put(Plan{ID: "plan_1", Title: "updated", CreatedAt: base})
	if p, _ := r.Get("plan_1"); p.Title != "updated" {
		t.Errorf("Put should replace: %+v", p)
	}
	if !r.Delete("plan_1") || r.Delete("plan_1") {
		t.Error("Delete should report presence once")
	}
	r.Reset()
	if r.Len() != 0 {
		t.Error("Reset should empty the registry")
	}
}

func TestPlans_EvictsOldestFinished(t *testing.T) {
	r := NewPlans(2)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Put(Plan{ID: "running", Status: StatusExecuting, CreatedAt: base})
	r.Put(Plan{ID: "old", Status: StatusComplete, CreatedAt: base.Add(time.Minute)})
	r.Put(Plan{ID: "new", Status: StatusComplete, CreatedAt: base.Add(2 * time.Minute)})

	if _, ok := r.Get("old"); ok {
		t.Error("oldest finished plan should be evicted")
	}
	if _, ok := r.Get("running"); !ok {
		t.Error("live plans are never evicted")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
