package persistence

import (
	"errors"
	"path/filepath"
	"testing"

	"investigator/pkg/notebook"
)

// Helper to create a fresh store per test.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func createTestNotebook(t *testing.T, store *Store) *notebook.Notebook {
	t.Helper()
	nb := &notebook.Notebook{ID: notebook.GenerateNotebookID()}
	if err := store.CreateNotebook(nb); err != nil {
		t.Fatalf("failed to create notebook: %v", err)
	}
	return nb
}

func TestNotebookLifecycle(t *testing.T) {
	store := createTestStore(t)

	t.Run("CreateAndGet", func(t *testing.T) {
		nb := createTestNotebook(t, store)

		loaded, err := store.GetNotebook(nb.ID)
		if err != nil {
			t.Fatalf("GetNotebook failed: %v", err)
		}
		if loaded.Title != notebook.DefaultTitle {
			t.Errorf("expected default title, got %q", loaded.Title)
		}
		if loaded.RunningMemory != nil || loaded.HistoryMemory != nil {
			t.Error("expected no memory pointers on a fresh notebook")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.GetNotebook("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvestigationError", func(t *testing.T) {
		nb := createTestNotebook(t, store)

		if err := store.SetInvestigationError(nb.ID, "something broke"); err != nil {
			t.Fatalf("SetInvestigationError failed: %v", err)
		}
		loaded, _ := store.GetNotebook(nb.ID)
		if loaded.InvestigationError != "something broke" {
			t.Errorf("expected persisted error, got %q", loaded.InvestigationError)
		}

		if err := store.ClearInvestigationError(nb.ID); err != nil {
			t.Fatalf("ClearInvestigationError failed: %v", err)
		}
		loaded, _ = store.GetNotebook(nb.ID)
		if loaded.InvestigationError != "" {
			t.Errorf("expected cleared error, got %q", loaded.InvestigationError)
		}
	})

	t.Run("Rename", func(t *testing.T) {
		nb := createTestNotebook(t, store)
		if err := store.UpdateTitle(nb.ID, "Checkout latency spike"); err != nil {
			t.Fatalf("UpdateTitle failed: %v", err)
		}
		loaded, _ := store.GetNotebook(nb.ID)
		if loaded.Title != "Checkout latency spike" {
			t.Errorf("expected renamed title, got %q", loaded.Title)
		}
	})
}

func TestMemoryPointers(t *testing.T) {
	store := createTestStore(t)
	nb := createTestNotebook(t, store)

	ptr := &notebook.MemoryPointer{
		ExecutorMemoryID:    "session-1",
		ParentInteractionID: "interaction-1",
		MemoryContainerID:   "container-1",
		Owner:               "alice",
	}

	if err := store.SetRunningMemory(nb.ID, ptr); err != nil {
		t.Fatalf("SetRunningMemory failed: %v", err)
	}

	loaded, err := store.GetRunningMemory(nb.ID)
	if err != nil {
		t.Fatalf("GetRunningMemory failed: %v", err)
	}
	if loaded == nil || loaded.ExecutorMemoryID != "session-1" || loaded.Owner != "alice" {
		t.Errorf("unexpected running pointer: %+v", loaded)
	}

	t.Run("PromoteRunningToHistory", func(t *testing.T) {
		if err := store.PromoteRunningToHistory(nb.ID); err != nil {
			t.Fatalf("PromoteRunningToHistory failed: %v", err)
		}
		full, _ := store.GetNotebook(nb.ID)
		if full.RunningMemory != nil {
			t.Error("expected running pointer cleared after promotion")
		}
		if full.HistoryMemory == nil || full.HistoryMemory.ParentInteractionID != "interaction-1" {
			t.Errorf("expected history pointer, got %+v", full.HistoryMemory)
		}
	})

	t.Run("ClearRunningMemory", func(t *testing.T) {
		if err := store.SetRunningMemory(nb.ID, ptr); err != nil {
			t.Fatalf("SetRunningMemory failed: %v", err)
		}
		if err := store.ClearRunningMemory(nb.ID); err != nil {
			t.Fatalf("ClearRunningMemory failed: %v", err)
		}
		loaded, err := store.GetRunningMemory(nb.ID)
		if err != nil {
			t.Fatalf("GetRunningMemory failed: %v", err)
		}
		if loaded != nil {
			t.Errorf("expected nil running pointer, got %+v", loaded)
		}
	})
}

func TestParagraphOperations(t *testing.T) {
	store := createTestStore(t)
	nb := createTestNotebook(t, store)

	p1 := &notebook.Paragraph{NotebookID: nb.ID, Index: -1, Type: notebook.ParagraphTypeMarkdown, Input: "# notes"}
	p2 := &notebook.Paragraph{NotebookID: nb.ID, Index: -1, Type: notebook.ParagraphTypeFinding, Input: "high error rate", AgentGenerated: true}

	if err := store.CreateParagraph(p1); err != nil {
		t.Fatalf("CreateParagraph failed: %v", err)
	}
	if err := store.CreateParagraph(p2); err != nil {
		t.Fatalf("CreateParagraph failed: %v", err)
	}
	if !notebook.IsParagraphID(p1.ID) {
		t.Errorf("expected generated paragraph id, got %q", p1.ID)
	}

	list, err := store.ListParagraphs(nb.ID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(list))
	}
	if list[0].ID != p1.ID || list[1].ID != p2.ID {
		t.Error("paragraphs not ordered by index")
	}
	if !list[1].AgentGenerated {
		t.Error("expected agent_generated to round-trip")
	}

	t.Run("UpdateOutput", func(t *testing.T) {
		if err := store.UpdateParagraphOutput(p2.ID, "materialized"); err != nil {
			t.Fatalf("UpdateParagraphOutput failed: %v", err)
		}
		loaded, err := store.GetParagraph(p2.ID)
		if err != nil {
			t.Fatalf("GetParagraph failed: %v", err)
		}
		if loaded.Output != "materialized" {
			t.Errorf("expected output update, got %q", loaded.Output)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteParagraphs([]string{p2.ID}); err != nil {
			t.Fatalf("DeleteParagraphs failed: %v", err)
		}
		list, _ := store.ListParagraphs(nb.ID)
		if len(list) != 1 {
			t.Errorf("expected 1 paragraph after delete, got %d", len(list))
		}
		if _, err := store.GetParagraph(p2.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReplaceHypotheses(t *testing.T) {
	store := createTestStore(t)
	nb := createTestNotebook(t, store)

	list := []notebook.Hypothesis{
		{ID: "h1", Title: "primary", Likelihood: 90, SupportingFindingParagraphs: []string{"paragraph_a"}},
		{ID: "h2", Title: "secondary", Likelihood: 40, Status: notebook.StatusRuledOut},
	}

	if err := store.ReplaceHypotheses(nb.ID, list); err != nil {
		t.Fatalf("ReplaceHypotheses failed: %v", err)
	}

	loaded, err := store.ListHypotheses(nb.ID)
	if err != nil {
		t.Fatalf("ListHypotheses failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 hypotheses, got %d", len(loaded))
	}
	if loaded[0].ID != "h1" || loaded[1].ID != "h2" {
		t.Error("hypotheses not in list order")
	}
	if loaded[0].SupportingFindingParagraphs[0] != "paragraph_a" {
		t.Error("supporting ids did not round-trip")
	}
	if !loaded[1].RuledOut() {
		t.Error("status did not round-trip")
	}

	// Wholesale replacement removes anything not in the new list.
	if err := store.ReplaceHypotheses(nb.ID, list[:1]); err != nil {
		t.Fatalf("ReplaceHypotheses failed: %v", err)
	}
	loaded, _ = store.ListHypotheses(nb.ID)
	if len(loaded) != 1 {
		t.Errorf("expected 1 hypothesis after replacement, got %d", len(loaded))
	}
}

func TestTopologies(t *testing.T) {
	store := createTestStore(t)
	nb := createTestNotebook(t, store)

	topo := notebook.Topology{
		ID:            "t1",
		Description:   "checkout call graph",
		TraceID:       "trace-9",
		HypothesisIDs: []string{"h1"},
		Nodes: []notebook.TopologyNode{
			{ID: "n1", Name: "gateway"},
			{ID: "n2", Name: "checkout", ParentID: "n1"},
		},
	}

	if err := store.InsertTopologies(nb.ID, []notebook.Topology{topo}); err != nil {
		t.Fatalf("InsertTopologies failed: %v", err)
	}
	// Topologies are immutable; re-inserting the same id is a no-op.
	if err := store.InsertTopologies(nb.ID, []notebook.Topology{topo}); err != nil {
		t.Fatalf("InsertTopologies (repeat) failed: %v", err)
	}

	list, err := store.ListTopologies(nb.ID)
	if err != nil {
		t.Fatalf("ListTopologies failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 topology, got %d", len(list))
	}
	if len(list[0].Nodes) != 2 || list[0].Nodes[1].ParentID != "n1" {
		t.Errorf("nodes did not round-trip: %+v", list[0].Nodes)
	}
}
