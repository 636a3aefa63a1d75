package reconcile

import (
	"context"
	"sort"
	"time"

	"investigator/pkg/logx"
	"investigator/pkg/notebook"
	"investigator/pkg/paragraph"
	"investigator/pkg/persistence"
)

// Reconciler turns a validated agent response into persisted findings,
// hypotheses, and topologies. It is the only writer of whole-list hypothesis
// replacement; callers snapshot the hypothesis list beforehand and restore
// it when Apply fails.
type Reconciler struct {
	store      *persistence.Store
	paragraphs paragraph.Service
	logger     *logx.Logger
}

// NewReconciler creates a reconciler over the notebook store and the
// paragraph collaborator.
func NewReconciler(store *persistence.Store, paragraphs paragraph.Service) *Reconciler {
	return &Reconciler{
		store:      store,
		paragraphs: paragraphs,
		logger:     logx.NewLogger("reconcile"),
	}
}

// Apply reconciles one validated response into the notebook. rerun marks
// findings that did not exist before this pass so a revised hypothesis can
// highlight them. Any returned error is a *Error; the notebook may hold
// partial paragraph state at that point and the caller must restore its
// hypothesis snapshot.
func (r *Reconciler) Apply(ctx context.Context, notebookID string, resp *notebook.InvestigationResponse, rerun bool) error {
	existing, err := r.store.ListParagraphs(notebookID)
	if err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to read notebook paragraphs", Err: err}
	}

	// Prior finding inputs, kept to tell genuinely new findings apart from
	// re-materialized ones on a rerun.
	priorInputs := make(map[string]bool)
	var staleIDs []string
	for _, p := range existing {
		if p.Type != notebook.ParagraphTypeFinding {
			continue
		}
		priorInputs[p.Input] = true
		if p.AgentGenerated {
			staleIDs = append(staleIDs, p.ID)
		}
	}

	// Stale agent findings must go before new ones land; leaving them would
	// corrupt the investigation state, so a delete failure is fatal.
	if err := r.paragraphs.BatchDelete(ctx, staleIDs); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to clear stale findings", Err: err}
	}

	findings := orderFindings(resp.Findings)
	startIndex := len(existing) - len(staleIDs)

	items := make([]paragraph.CreateInput, 0, len(findings))
	for _, f := range findings {
		items = append(items, paragraph.CreateInput{
			NotebookID:     notebookID,
			Type:           notebook.ParagraphTypeFinding,
			Input:          findingInput(f),
			AgentGenerated: true,
		})
	}
	created, err := r.paragraphs.BatchCreate(ctx, startIndex, items)
	if err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to materialize findings", Err: err}
	}

	idMap := make(map[string]string, len(created))
	newIDs := make(map[string]bool)
	createdIDs := make([]string, 0, len(created))
	for i, p := range created {
		idMap[findings[i].ID] = p.ID
		createdIDs = append(createdIDs, p.ID)
		if !priorInputs[p.Input] {
			newIDs[p.ID] = true
		}
	}
	if err := r.paragraphs.BatchRun(ctx, createdIDs); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to run finding paragraphs", Err: err}
	}

	hypotheses := r.buildHypotheses(resp.Hypotheses, idMap, newIDs, rerun)
	if err := r.store.ReplaceHypotheses(notebookID, hypotheses); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to replace hypotheses", Err: err}
	}
	if err := r.store.InsertTopologies(notebookID, resp.Topologies); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to store topologies", Err: err}
	}

	r.applySideEffects(notebookID, resp)

	if err := r.store.PromoteRunningToHistory(notebookID); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to promote running memory", Err: err}
	}
	if err := r.store.ClearInvestigationError(notebookID); err != nil {
		return &Error{Kind: KindReconciliation, Message: "failed to clear investigation error", Err: err}
	}

	r.logger.Info("reconciled notebook %s: %d findings, %d hypotheses, %d topologies",
		notebookID, len(findings), len(hypotheses), len(resp.Topologies))
	return nil
}

// buildHypotheses resolves agent-local supporting-finding ids to persisted
// paragraph ids and ranks the list by likelihood. Ids that resolve to
// nothing and do not already look like persisted paragraph ids are dropped
// rather than kept as dangling references.
func (r *Reconciler) buildHypotheses(raw []notebook.RawHypothesis, idMap map[string]string, newIDs map[string]bool, rerun bool) []notebook.Hypothesis {
	now := time.Now().UTC()
	out := make([]notebook.Hypothesis, 0, len(raw))
	for _, rh := range raw {
		h := notebook.Hypothesis{
			ID:           rh.ID,
			Title:        rh.Title,
			Description:  rh.Description,
			Likelihood:   rh.Likelihood,
			DateCreated:  now,
			DateModified: now,
		}
		if h.ID == "" {
			h.ID = notebook.GenerateHypothesisID()
		}
		for _, fid := range rh.SupportingFindings {
			pid, ok := idMap[fid]
			if !ok {
				if !notebook.IsParagraphID(fid) {
					r.logger.Debug("dropping unresolvable supporting finding %q on hypothesis %s", fid, h.ID)
					continue
				}
				pid = fid
			}
			h.SupportingFindingParagraphs = append(h.SupportingFindingParagraphs, pid)
			if rerun && newIDs[pid] {
				h.NewAddedFindingParagraphIDs = append(h.NewAddedFindingParagraphIDs, pid)
			}
		}
		out = append(out, h)
	}
	return notebook.SortByLikelihood(out)
}

// applySideEffects handles the best-effort tail of a successful pass:
// agent-proposed rename and feedback summary. Failures are logged, never
// surfaced.
func (r *Reconciler) applySideEffects(notebookID string, resp *notebook.InvestigationResponse) {
	if resp.InvestigationName != "" {
		nb, err := r.store.GetNotebook(notebookID)
		switch {
		case err != nil:
			r.logger.Warn("skipping rename of %s: %v", notebookID, err)
		case nb.Title == notebook.DefaultTitle:
			if err := r.store.UpdateTitle(notebookID, resp.InvestigationName); err != nil {
				r.logger.Warn("failed to rename notebook %s: %v", notebookID, err)
			}
		}
	}
	if resp.FeedbackSummary != "" {
		if err := r.store.SetFeedbackSummary(notebookID, resp.FeedbackSummary); err != nil {
			r.logger.Warn("failed to store feedback summary for %s: %v", notebookID, err)
		}
	}
}

// orderFindings sorts by descending importance, then moves topology
// findings to the front. Topology findings are always surfaced first
// regardless of importance.
func orderFindings(findings []notebook.Finding) []notebook.Finding {
	sorted := make([]notebook.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})

	out := make([]notebook.Finding, 0, len(sorted))
	for _, f := range sorted {
		if f.Type == notebook.FindingTypeTopology {
			out = append(out, f)
		}
	}
	for _, f := range sorted {
		if f.Type != notebook.FindingTypeTopology {
			out = append(out, f)
		}
	}
	return out
}

func findingInput(f notebook.Finding) string {
	if f.Evidence == "" {
		return f.Description
	}
	return f.Description + "\n\nEvidence: " + f.Evidence
}
