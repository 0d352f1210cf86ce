package state

import (
	"testing"
)

func TestJobID(t *testing.T) {
	chapters := []string{"chapter one text", "chapter two text"}

	a := JobID(chapters, "Kore", "tts-1")
	if a != JobID(chapters, "Kore", "tts-1") {
		t.Error("identical inputs should produce identical job IDs")
	}
	if a == JobID(chapters, "Puck", "tts-1") {
		t.Error("voice change should change the job ID")
	}
	if a == JobID(chapters, "Kore", "tts-2") {
		t.Error("model change should change the job ID")
	}
	if a == JobID([]string{"chapter two text", "chapter one text"}, "Kore", "tts-1") {
		t.Error("chapter order should change the job ID")
	}
	// Chapter boundaries must not be ambiguous.
	if JobID([]string{"ab", "c"}, "v", "m") == JobID([]string{"a", "bc"}, "v", "m") {
		t.Error("chapter boundaries leaked into the job ID")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_MarkAndQuery(t *testing.T) {
	s := openTestStore(t)
	job := JobID([]string{"text"}, "Kore", "tts-1")

	done, err := s.IsCompleted(job, "unit-0")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("unit should not be completed yet")
	}

	if err := s.MarkCompleted(job, "unit-0"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(job, "unit-2"); err != nil {
		t.Fatal(err)
	}

	done, err = s.IsCompleted(job, "unit-0")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("unit-0 should be completed")
	}

	units, err := s.CompletedUnits(job)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || !units["unit-0"] || !units["unit-2"] {
		t.Errorf("CompletedUnits = %v", units)
	}
}

func TestStore_JobsAreIsolated(t *testing.T) {
	s := openTestStore(t)

	if err := s.MarkCompleted("job-a", "unit-0"); err != nil {
		t.Fatal(err)
	}

	units, err := s.CompletedUnits("job-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Errorf("job-b should have no progress, got %v", units)
	}
}

func TestStore_ClearJob(t *testing.T) {
	s := openTestStore(t)

	for _, unit := range []string{"u0", "u1", "u2"} {
		if err := s.MarkCompleted("job-a", unit); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkCompleted("job-b", "u0"); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearJob("job-a"); err != nil {
		t.Fatal(err)
	}

	units, err := s.CompletedUnits("job-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Errorf("job-a should be empty after ClearJob, got %v", units)
	}
	if done, _ := s.IsCompleted("job-b", "u0"); !done {
		t.Error("ClearJob must not touch other jobs")
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted("job", "unit-7"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	done, err := s2.IsCompleted("job", "unit-7")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("progress should survive reopen")
	}
}
