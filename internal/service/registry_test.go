package service

import (
	"testing"
	"time"
)

func TestRegistryAdmission(t *testing.T) {
	r := NewRegistry()
	if !r.PutIfIdle(&Job{ID: "a", Status: StatusRunning}) {
		t.Fatal("empty registry must admit")
	}
	if r.PutIfIdle(&Job{ID: "b", Status: StatusRunning}) {
		t.Fatal("second running job admitted")
	}

	r.Update("a", func(j *Job) { j.Status = StatusCompleted })
	if !r.PutIfIdle(&Job{ID: "b", Status: StatusRunning}) {
		t.Fatal("idle registry must admit")
	}
}

func TestRegistryLatest(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Latest(); ok {
		t.Fatal("empty registry has no latest")
	}

	now := time.Now()
	r.PutIfIdle(&Job{ID: "old", Status: StatusCompleted, UpdatedAt: now.Add(-time.Hour)})
	r.PutIfIdle(&Job{ID: "new", Status: StatusCompleted, UpdatedAt: now})

	latest, ok := r.Latest()
	if !ok || latest.ID != "new" {
		t.Fatalf("latest = %+v", latest)
	}

	// Updating the older job moves it to the front.
	r.Update("old", func(j *Job) {})
	latest, _ = r.Latest()
	if latest.ID != "old" {
		t.Fatalf("latest = %+v", latest)
	}
}
