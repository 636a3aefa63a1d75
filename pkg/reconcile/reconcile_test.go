package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"investigator/pkg/notebook"
	"investigator/pkg/paragraph"
	"investigator/pkg/persistence"
)

func createTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return persistence.NewStore(db)
}

func createTestReconciler(t *testing.T) (*Reconciler, *persistence.Store, string) {
	t.Helper()
	store := createTestStore(t)
	nb := &notebook.Notebook{ID: notebook.GenerateNotebookID()}
	if err := store.CreateNotebook(nb); err != nil {
		t.Fatalf("failed to create notebook: %v", err)
	}
	return NewReconciler(store, paragraph.NewStoreService(store)), store, nb.ID
}

func TestParseResponse(t *testing.T) {
	t.Run("FailureRetainsRawCause", func(t *testing.T) {
		raw := "the agent said something that is not JSON"
		_, perr := ParseResponse(raw)
		if perr == nil {
			t.Fatal("expected a parse error")
		}
		if perr.Kind != KindParseFailure {
			t.Errorf("expected ParseFailure, got %s", perr.Kind)
		}
		if perr.Message != "" {
			t.Errorf("expected empty message, got %q", perr.Message)
		}
		if perr.Cause != raw {
			t.Errorf("expected raw text as cause, got %q", perr.Cause)
		}
	})

	t.Run("MaxStepsNormalization", func(t *testing.T) {
		for _, n := range []int{1, 37, 999999} {
			raw := fmt.Sprintf("Max Steps Limit (%d) Reached", n)
			_, perr := ParseResponse(raw)
			if perr == nil {
				t.Fatalf("expected a parse error for %q", raw)
			}
			if perr.Message != MaxStepsMessage {
				t.Errorf("expected normalized message, got %q", perr.Message)
			}
			if perr.Cause != raw {
				t.Errorf("expected original text as cause, got %q", perr.Cause)
			}
		}
	})

	t.Run("ValidJSON", func(t *testing.T) {
		data, perr := ParseResponse(`  {"findings":[],"hypotheses":[],"topologies":[]}  `)
		if perr != nil {
			t.Fatalf("unexpected parse error: %v", perr)
		}
		if len(data) == 0 {
			t.Fatal("expected parsed payload")
		}
	})
}

func TestValidateResponse(t *testing.T) {
	t.Run("MissingFieldsFixedCause", func(t *testing.T) {
		_, err1 := DecodeResponse(`{"findings":[]}`)
		_, err2 := DecodeResponse(`{"totally":"unrelated"}`)
		for _, verr := range []*Error{err1, err2} {
			if verr == nil {
				t.Fatal("expected a schema error")
			}
			if verr.Kind != KindInvalidSchema {
				t.Errorf("expected InvalidSchema, got %s", verr.Kind)
			}
		}
		if err1.Cause != err2.Cause {
			t.Error("schema failure cause must not depend on payload content")
		}
	})

	t.Run("WrongTypes", func(t *testing.T) {
		_, verr := DecodeResponse(`{"findings":"nope","hypotheses":[],"topologies":[]}`)
		if verr == nil || verr.Kind != KindInvalidSchema {
			t.Fatalf("expected InvalidSchema, got %v", verr)
		}
	})

	t.Run("Valid", func(t *testing.T) {
		resp, verr := DecodeResponse(`{
			"findings": [{"id": "f1", "description": "high latency", "importance": 80, "evidence": "p99 spiked"}],
			"hypotheses": [{"id": "h1", "title": "GC pressure", "likelihood": 70, "supporting_findings": ["f1"]}],
			"topologies": [],
			"investigationName": "Checkout latency"
		}`)
		if verr != nil {
			t.Fatalf("unexpected error: %v", verr)
		}
		if len(resp.Findings) != 1 || len(resp.Hypotheses) != 1 {
			t.Fatalf("unexpected response: %+v", resp)
		}
		if resp.InvestigationName != "Checkout latency" {
			t.Errorf("expected investigation name, got %q", resp.InvestigationName)
		}
	})
}

func TestApplyOrdersFindings(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	resp := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{
			{ID: "f1", Description: "low", Importance: 10},
			{ID: "f2", Description: "high", Importance: 90},
			{ID: "f3", Description: "topo", Importance: 5, Type: notebook.FindingTypeTopology},
			{ID: "f4", Description: "mid", Importance: 50},
		},
		Hypotheses: []notebook.RawHypothesis{},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	paragraphs, err := store.ListParagraphs(nbID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	if len(paragraphs) != 4 {
		t.Fatalf("expected 4 finding paragraphs, got %d", len(paragraphs))
	}
	wantOrder := []string{"topo", "high", "mid", "low"}
	for i, want := range wantOrder {
		if paragraphs[i].Input != want {
			t.Errorf("paragraph %d: expected %q, got %q", i, want, paragraphs[i].Input)
		}
		if !paragraphs[i].AgentGenerated {
			t.Errorf("paragraph %d: expected agent-generated", i)
		}
		if paragraphs[i].Output != paragraphs[i].Input {
			t.Errorf("paragraph %d: expected paragraph to have run", i)
		}
	}
}

func TestApplyResolvesSupportingFindings(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	// A pre-existing user finding referenced directly by paragraph id.
	svc := paragraph.NewStoreService(store)
	userFinding, err := svc.Create(context.Background(), paragraph.CreateInput{
		NotebookID: nbID,
		Type:       notebook.ParagraphTypeFinding,
		Input:      "operator noticed a config rollout",
	})
	if err != nil {
		t.Fatalf("failed to create user finding: %v", err)
	}

	resp := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{
			{ID: "f1", Description: "error rate up", Importance: 60},
		},
		Hypotheses: []notebook.RawHypothesis{
			{
				ID:                 "h1",
				Title:              "bad rollout",
				Likelihood:         80,
				SupportingFindings: []string{"f1", userFinding.ID, "bogus-local-id"},
			},
		},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	hyps, err := store.ListHypotheses(nbID)
	if err != nil {
		t.Fatalf("ListHypotheses failed: %v", err)
	}
	if len(hyps) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(hyps))
	}
	got := hyps[0].SupportingFindingParagraphs
	if len(got) != 2 {
		t.Fatalf("expected 2 supporting ids (bogus dropped), got %v", got)
	}
	if !notebook.IsParagraphID(got[0]) {
		t.Errorf("expected resolved paragraph id, got %q", got[0])
	}
	if got[1] != userFinding.ID {
		t.Errorf("expected user finding id kept as-is, got %q", got[1])
	}
}

func TestApplyRanksHypothesesByLikelihood(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	resp := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{},
		Hypotheses: []notebook.RawHypothesis{
			{ID: "h1", Title: "weak", Likelihood: 20},
			{ID: "h2", Title: "strong", Likelihood: 90},
			{ID: "h3", Title: "middling", Likelihood: 55},
		},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	hyps, err := store.ListHypotheses(nbID)
	if err != nil {
		t.Fatalf("ListHypotheses failed: %v", err)
	}
	want := []string{"h2", "h3", "h1"}
	for i, id := range want {
		if hyps[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, hyps[i].ID)
		}
	}
	if err := notebook.ValidateOrder(hyps); err != nil {
		t.Errorf("persisted order invalid: %v", err)
	}
}

func TestApplyCleanupSparesUserFindings(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)
	svc := paragraph.NewStoreService(store)

	user, err := svc.Create(context.Background(), paragraph.CreateInput{
		NotebookID: nbID,
		Type:       notebook.ParagraphTypeFinding,
		Input:      "manually recorded observation",
	})
	if err != nil {
		t.Fatalf("failed to create user finding: %v", err)
	}
	stale, err := svc.Create(context.Background(), paragraph.CreateInput{
		NotebookID:     nbID,
		Type:           notebook.ParagraphTypeFinding,
		Input:          "stale agent finding",
		AgentGenerated: true,
	})
	if err != nil {
		t.Fatalf("failed to create agent finding: %v", err)
	}

	resp := &notebook.InvestigationResponse{
		Findings:   []notebook.Finding{{ID: "f1", Description: "fresh finding", Importance: 10}},
		Hypotheses: []notebook.RawHypothesis{},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	paragraphs, err := store.ListParagraphs(nbID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	if len(paragraphs) != 2 {
		t.Fatalf("expected user finding plus fresh finding, got %d paragraphs", len(paragraphs))
	}
	if paragraphs[0].ID != user.ID {
		t.Errorf("expected user finding to survive, got %q first", paragraphs[0].Input)
	}
	for _, p := range paragraphs {
		if p.ID == stale.ID {
			t.Error("stale agent finding should have been deleted")
		}
	}
}

func TestApplyIdempotent(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	resp := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{
			{ID: "f1", Description: "slow queries", Importance: 70},
			{ID: "f2", Description: "lock contention", Importance: 40},
		},
		Hypotheses: []notebook.RawHypothesis{
			{ID: "h1", Title: "missing index", Likelihood: 60, SupportingFindings: []string{"f1", "f2"}},
		},
		Topologies: []notebook.Topology{},
	}

	for pass := 0; pass < 2; pass++ {
		if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
			t.Fatalf("Apply pass %d failed: %v", pass+1, err)
		}
	}

	paragraphs, err := store.ListParagraphs(nbID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	if len(paragraphs) != 2 {
		t.Fatalf("expected 2 finding paragraphs after double apply, got %d", len(paragraphs))
	}
	hyps, err := store.ListHypotheses(nbID)
	if err != nil {
		t.Fatalf("ListHypotheses failed: %v", err)
	}
	if len(hyps) != 1 || len(hyps[0].SupportingFindingParagraphs) != 2 {
		t.Fatalf("unexpected hypothesis state after double apply: %+v", hyps)
	}
}

func TestApplySideEffects(t *testing.T) {
	t.Run("RenamesPlaceholderTitle", func(t *testing.T) {
		rec, store, nbID := createTestReconciler(t)
		resp := &notebook.InvestigationResponse{
			Findings:          []notebook.Finding{},
			Hypotheses:        []notebook.RawHypothesis{},
			Topologies:        []notebook.Topology{},
			InvestigationName: "Payment API degradation",
			FeedbackSummary:   "agent incorporated two manual findings",
		}
		if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		nb, err := store.GetNotebook(nbID)
		if err != nil {
			t.Fatalf("GetNotebook failed: %v", err)
		}
		if nb.Title != "Payment API degradation" {
			t.Errorf("expected rename, got %q", nb.Title)
		}
		if nb.FeedbackSummary != "agent incorporated two manual findings" {
			t.Errorf("expected feedback summary, got %q", nb.FeedbackSummary)
		}
	})

	t.Run("KeepsCustomTitle", func(t *testing.T) {
		rec, store, nbID := createTestReconciler(t)
		if err := store.UpdateTitle(nbID, "My own title"); err != nil {
			t.Fatalf("UpdateTitle failed: %v", err)
		}
		resp := &notebook.InvestigationResponse{
			Findings:          []notebook.Finding{},
			Hypotheses:        []notebook.RawHypothesis{},
			Topologies:        []notebook.Topology{},
			InvestigationName: "Agent suggestion",
		}
		if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		nb, err := store.GetNotebook(nbID)
		if err != nil {
			t.Fatalf("GetNotebook failed: %v", err)
		}
		if nb.Title != "My own title" {
			t.Errorf("user title should not be replaced, got %q", nb.Title)
		}
	})
}

func TestApplyPromotesRunningMemory(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	ptr := &notebook.MemoryPointer{
		ExecutorMemoryID:    "session-1",
		ParentInteractionID: "interaction-1",
		MemoryContainerID:   "container-1",
		Owner:               "alice",
	}
	if err := store.SetRunningMemory(nbID, ptr); err != nil {
		t.Fatalf("SetRunningMemory failed: %v", err)
	}
	if err := store.SetInvestigationError(nbID, "previous failure"); err != nil {
		t.Fatalf("SetInvestigationError failed: %v", err)
	}

	resp := &notebook.InvestigationResponse{
		Findings:   []notebook.Finding{},
		Hypotheses: []notebook.RawHypothesis{},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	nb, err := store.GetNotebook(nbID)
	if err != nil {
		t.Fatalf("GetNotebook failed: %v", err)
	}
	if nb.RunningMemory != nil {
		t.Error("running memory should be cleared after reconciliation")
	}
	if nb.HistoryMemory == nil || nb.HistoryMemory.ParentInteractionID != "interaction-1" {
		t.Errorf("expected running pointer promoted to history, got %+v", nb.HistoryMemory)
	}
	if nb.InvestigationError != "" {
		t.Errorf("expected investigation error cleared, got %q", nb.InvestigationError)
	}
}

func TestApplyRerunMarksNewFindings(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	first := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{
			{ID: "f1", Description: "known finding", Importance: 50},
		},
		Hypotheses: []notebook.RawHypothesis{},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, first, false); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	second := &notebook.InvestigationResponse{
		Findings: []notebook.Finding{
			{ID: "f1", Description: "known finding", Importance: 50},
			{ID: "f2", Description: "brand new finding", Importance: 60},
		},
		Hypotheses: []notebook.RawHypothesis{
			{ID: "h1", Title: "revised hypothesis", Likelihood: 75, SupportingFindings: []string{"f1", "f2"}},
		},
		Topologies: []notebook.Topology{},
	}
	if err := rec.Apply(context.Background(), nbID, second, true); err != nil {
		t.Fatalf("rerun Apply failed: %v", err)
	}

	hyps, err := store.ListHypotheses(nbID)
	if err != nil {
		t.Fatalf("ListHypotheses failed: %v", err)
	}
	if len(hyps) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(hyps))
	}
	if len(hyps[0].SupportingFindingParagraphs) != 2 {
		t.Fatalf("expected both findings supported, got %v", hyps[0].SupportingFindingParagraphs)
	}
	newAdded := hyps[0].NewAddedFindingParagraphIDs
	if len(newAdded) != 1 {
		t.Fatalf("expected exactly the new finding marked, got %v", newAdded)
	}

	paragraphs, err := store.ListParagraphs(nbID)
	if err != nil {
		t.Fatalf("ListParagraphs failed: %v", err)
	}
	var newFindingID string
	for _, p := range paragraphs {
		if p.Input == "brand new finding" {
			newFindingID = p.ID
		}
	}
	if newAdded[0] != newFindingID {
		t.Errorf("expected new finding %s marked, got %s", newFindingID, newAdded[0])
	}
}

func TestApplyStoresTopologies(t *testing.T) {
	rec, store, nbID := createTestReconciler(t)

	resp := &notebook.InvestigationResponse{
		Findings:   []notebook.Finding{},
		Hypotheses: []notebook.RawHypothesis{{ID: "h1", Title: "cascade", Likelihood: 50}},
		Topologies: []notebook.Topology{
			{
				ID:            "t1",
				Description:   "checkout call chain",
				TraceID:       "trace-1",
				HypothesisIDs: []string{"h1"},
				Nodes: []notebook.TopologyNode{
					{ID: "n1", Name: "gateway"},
					{ID: "n2", Name: "payments", ParentID: "n1"},
				},
			},
		},
	}
	if err := rec.Apply(context.Background(), nbID, resp, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	topologies, err := store.ListTopologies(nbID)
	if err != nil {
		t.Fatalf("ListTopologies failed: %v", err)
	}
	if len(topologies) != 1 || len(topologies[0].Nodes) != 2 {
		t.Fatalf("unexpected topologies: %+v", topologies)
	}
}
