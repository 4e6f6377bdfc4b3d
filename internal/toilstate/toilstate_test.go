package toilstate

import (
	"testing"

	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
)

func edge(succID string, predID *string) jobrecord.SuccessorEdge {
	return jobrecord.SuccessorEdge{SuccessorID: succID, Memory: 1, Cores: 1, Disk: 1, PredecessorID: predID}
}

// TestBuild_LinearChain covers S1: R -> A, A runnable with a command.
func TestBuild_LinearChain(t *testing.T) {
	store := jobstore.NewMemoryStore()

	root := jobrecord.New("R")
	root.Stack = [][]jobrecord.SuccessorEdge{{edge("A", nil)}}
	store.Put(root)

	a := jobrecord.New("A")
	a.HasCommand = true
	a.Command = "a"
	a.RemainingRetryCount = 1
	store.Put(a)

	ts, err := Build(store, "R", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	jobs := ts.UpdatedJobs()
	if len(jobs) != 1 || jobs[0].Job.JobStoreID != "A" {
		t.Fatalf("expected updatedJobs={A}, got %+v", jobs)
	}
	if ts.SuccessorCount("R") != 1 {
		t.Errorf("expected successorCounts[R]=1, got %d", ts.SuccessorCount("R"))
	}
}

// TestBuild_DiamondJoin covers S2: R -> {A,B} -> C (predecessorNumber=2).
func TestBuild_DiamondJoin(t *testing.T) {
	store := jobstore.NewMemoryStore()

	predA := "A"
	predB := "B"

	root := jobrecord.New("R")
	root.Stack = [][]jobrecord.SuccessorEdge{{
		{SuccessorID: "A"},
		{SuccessorID: "B"},
	}}
	store.Put(root)

	a := jobrecord.New("A")
	a.Stack = [][]jobrecord.SuccessorEdge{{{SuccessorID: "C", PredecessorID: &predA}}}
	store.Put(a)

	b := jobrecord.New("B")
	b.Stack = [][]jobrecord.SuccessorEdge{{{SuccessorID: "C", PredecessorID: &predB}}}
	store.Put(b)

	c := jobrecord.New("C")
	c.PredecessorNumber = 2
	c.HasCommand = true
	c.Command = "c"
	store.Put(c)

	ts, err := Build(store, "R", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// A and B are internal nodes with one successor each (C). The walk
	// reaches C first through A, where it is held join-pending with one
	// finished predecessor; the visit through B records the second, so C
	// leaves joinPending and is the only runnable job after the build.
	jobs := ts.UpdatedJobs()
	if len(jobs) != 1 || jobs[0].Job.JobStoreID != "C" {
		t.Fatalf("expected updatedJobs={C}, got %+v", jobs)
	}
	if ts.IsJoinPending("C") {
		t.Fatal("expected C to leave joinPending once both predecessors were visited")
	}

	if len(jobs[0].Job.PredecessorsFinished) != 2 {
		t.Fatalf("expected C to have exactly 2 finished predecessors, got %d", len(jobs[0].Job.PredecessorsFinished))
	}
}

// TestBuild_Idempotent checks the idempotent-rebuild law from §8: building
// twice from the same store snapshot yields equal updatedJobs and
// successorCounts.
func TestBuild_Idempotent(t *testing.T) {
	store := jobstore.NewMemoryStore()

	root := jobrecord.New("R")
	root.Stack = [][]jobrecord.SuccessorEdge{{{SuccessorID: "A"}}}
	store.Put(root)

	a := jobrecord.New("A")
	a.HasCommand = true
	a.Command = "a"
	store.Put(a)

	ts1, err := Build(store, "R", nil)
	if err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	ts2, err := Build(store, "R", nil)
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}

	j1 := ts1.UpdatedJobs()
	j2 := ts2.UpdatedJobs()
	if len(j1) != len(j2) {
		t.Fatalf("expected equal updatedJobs sizes, got %d vs %d", len(j1), len(j2))
	}
	if ts1.SuccessorCount("R") != ts2.SuccessorCount("R") {
		t.Errorf("expected equal successorCounts[R]")
	}
}

func TestClose_RejectsNonEmptyState(t *testing.T) {
	ts := newEmpty()
	ts.SetSuccessorCount("R", 1)
	if err := ts.Close(); err == nil {
		t.Fatal("expected Close to reject a non-empty state")
	}
}

func TestClose_AcceptsEmptyState(t *testing.T) {
	ts := newEmpty()
	if err := ts.Close(); err != nil {
		t.Fatalf("expected Close to accept an empty state, got %v", err)
	}
}

func TestDecrementSuccessorCount_RemovesKeyAtZero(t *testing.T) {
	ts := newEmpty()
	ts.SetSuccessorCount("R", 2)

	if ts.DecrementSuccessorCount("R") {
		t.Fatal("expected count to still be nonzero after first decrement")
	}
	if !ts.HasPendingSuccessors("R") {
		t.Fatal("expected R to still have pending successors")
	}

	if !ts.DecrementSuccessorCount("R") {
		t.Fatal("expected count to reach zero on second decrement")
	}
	if ts.HasPendingSuccessors("R") {
		t.Error("expected R's key to be removed once count reaches zero")
	}
}
