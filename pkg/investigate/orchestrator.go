// Package investigate is the top-level investigation orchestrator. It owns
// the investigating flag per notebook, arbitrates ownership conflicts, and
// drives allocation, submission, polling, and reconciliation.
package investigate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"investigator/pkg/config"
	"investigator/pkg/logx"
	"investigator/pkg/notebook"
	"investigator/pkg/notify"
	"investigator/pkg/paragraph"
	"investigator/pkg/persistence"
	"investigator/pkg/polling"
	"investigator/pkg/reconcile"
	"investigator/pkg/remote"
)

// Run phases. The middle phases are collectively "investigating".
const (
	PhaseIdle        = "IDLE"
	PhasePlanning    = "PLANNING"
	PhaseGathering   = "GATHERING_DATA"
	PhaseReconciling = "RECONCILING"
	PhaseCompleted   = "COMPLETED"
	PhaseFailed      = "FAILED"
)

// AgentService is the remote agent surface the orchestrator drives.
type AgentService interface {
	AgentConfig(ctx context.Context, name string) (string, error)
	AgentDetail(ctx context.Context, agentID string) (string, error)
	Execute(ctx context.Context, agentID string, in remote.ExecuteInput) (string, error)
}

// SessionAllocator obtains executor memory session ids.
type SessionAllocator interface {
	Allocate(ctx context.Context, containerID string) (string, error)
}

// Poller is the shared polling service surface.
type Poller interface {
	Subscribe(ctx context.Context, containerID, messageID string) <-chan polling.Result
}

// RunRecorder records run outcomes for metrics. May be nil.
type RunRecorder interface {
	ObserveInvestigation(flow string, success bool)
	ObserveReconcile(duration time.Duration, success bool)
}

// Status is a notebook's investigation state as seen by the rendering layer.
type Status struct {
	Investigating      bool                    `json:"investigating"`
	Phase              string                  `json:"phase"`
	InvestigationError string                  `json:"investigationError,omitempty"`
	RunningMemory      *notebook.MemoryPointer `json:"runningMemory,omitempty"`
}

// Orchestrator coordinates one process's investigations. All hypothesis
// writes, user toggles and reconciler replacements alike, serialize through
// writeMu so no two writers race on a notebook's list.
type Orchestrator struct {
	cfg        *config.Config
	store      *persistence.Store
	agent      AgentService
	allocator  SessionAllocator
	poller     Poller
	paragraphs paragraph.Service
	reconciler *reconcile.Reconciler
	notifier   notify.Sink
	counter    *paragraph.TokenCounter
	recorder   RunRecorder
	logger     *logx.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancel context.CancelFunc
	phase  string
}

// NewOrchestrator wires the orchestrator. counter and recorder may be nil.
func NewOrchestrator(cfg *config.Config, store *persistence.Store, agent AgentService,
	allocator SessionAllocator, poller Poller, paragraphs paragraph.Service,
	reconciler *reconcile.Reconciler, notifier notify.Sink) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		agent:      agent,
		allocator:  allocator,
		poller:     poller,
		paragraphs: paragraphs,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logx.NewLogger("investigate"),
		runs:       make(map[string]*run),
	}
}

// SetTokenCounter installs the token counter used for context prompts.
func (o *Orchestrator) SetTokenCounter(counter *paragraph.TokenCounter) {
	o.counter = counter
}

// SetRecorder installs the metrics recorder.
func (o *Orchestrator) SetRecorder(recorder RunRecorder) {
	o.recorder = recorder
}

// Investigate starts a fresh investigation and blocks until it completes,
// fails, or is cancelled.
func (o *Orchestrator) Investigate(ctx context.Context, notebookID, question string, timeRange *remote.TimeRange) error {
	nb, err := o.precheck(notebookID)
	if err != nil {
		return err
	}
	return o.runFlow(ctx, notebookID, "investigate", func(runCtx context.Context, r *run) error {
		prompt, err := o.contextPrompt(nb, false)
		if err != nil {
			return err
		}
		return o.submitAndAwait(runCtx, r, notebookID, remote.ExecuteInput{
			Question:  question,
			Context:   prompt,
			TimeRange: timeRange,
		}, false)
	})
}

// Rerun starts a re-investigation whose context includes the current
// hypothesis and finding state, so the agent revises rather than restarts.
func (o *Orchestrator) Rerun(ctx context.Context, notebookID, question, initialGoal string, timeRange *remote.TimeRange) error {
	nb, err := o.precheck(notebookID)
	if err != nil {
		return err
	}
	return o.runFlow(ctx, notebookID, "rerun", func(runCtx context.Context, r *run) error {
		prompt, err := o.contextPrompt(nb, true)
		if err != nil {
			return err
		}
		return o.submitAndAwait(runCtx, r, notebookID, remote.ExecuteInput{
			Question:    question,
			Context:     prompt,
			InitialGoal: initialGoal,
			PrevContent: true,
			TimeRange:   timeRange,
		}, true)
	})
}

// Continue resumes polling from a persisted running pointer without
// re-submitting execution, typically after a process restart.
func (o *Orchestrator) Continue(ctx context.Context, notebookID string) error {
	ptr, err := o.store.GetRunningMemory(notebookID)
	if err != nil {
		return fmt.Errorf("failed to read running investigation: %w", err)
	}
	if ptr == nil {
		return fmt.Errorf("notebook %s has no running investigation", notebookID)
	}
	return o.runFlow(ctx, notebookID, "continue", func(runCtx context.Context, r *run) error {
		return o.awaitAndReconcile(runCtx, r, notebookID, ptr.MemoryContainerID, ptr.ParentInteractionID, false)
	})
}

// AddFinding creates and runs one user-authored finding paragraph. It never
// touches the agent, and cleanup never deletes what it creates.
func (o *Orchestrator) AddFinding(ctx context.Context, notebookID, text string) (*notebook.Paragraph, error) {
	nb, err := o.store.GetNotebook(notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notebook: %w", err)
	}
	if nb.ReadOnly {
		o.notifier.AddWarning(titleFor(ErrReadOnlyNotebook), "findings cannot be added to a read-only notebook")
		return nil, ErrReadOnlyNotebook
	}

	p, err := o.paragraphs.Create(ctx, paragraph.CreateInput{
		NotebookID: notebookID,
		Type:       notebook.ParagraphTypeFinding,
		Input:      text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create finding: %w", err)
	}
	if err := o.paragraphs.Run(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("failed to run finding: %w", err)
	}
	return p, nil
}

// ToggleHypothesisStatus flips one hypothesis between active and ruled out,
// re-ranking the list. Reports whether a new primary was just promoted.
func (o *Orchestrator) ToggleHypothesisStatus(notebookID, hypothesisID string) (bool, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	list, err := o.store.ListHypotheses(notebookID)
	if err != nil {
		return false, fmt.Errorf("failed to load hypotheses: %w", err)
	}
	next, promoted, err := notebook.ToggleStatus(list, hypothesisID)
	if err != nil {
		return false, err
	}
	if err := notebook.ValidateOrder(next); err != nil {
		return false, err
	}
	if err := o.store.ReplaceHypotheses(notebookID, next); err != nil {
		return false, fmt.Errorf("failed to persist hypotheses: %w", err)
	}
	return promoted, nil
}

// ReplaceAsPrimary moves an active hypothesis to the primary slot.
func (o *Orchestrator) ReplaceAsPrimary(notebookID, hypothesisID string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	list, err := o.store.ListHypotheses(notebookID)
	if err != nil {
		return fmt.Errorf("failed to load hypotheses: %w", err)
	}
	next, _, err := notebook.ReplaceAsPrimary(list, hypothesisID)
	if err != nil {
		return err
	}
	if err := o.store.ReplaceHypotheses(notebookID, next); err != nil {
		return fmt.Errorf("failed to persist hypotheses: %w", err)
	}
	return nil
}

// Status reports a notebook's current investigation state.
func (o *Orchestrator) Status(notebookID string) (*Status, error) {
	o.mu.Lock()
	active := o.runs[notebookID]
	phase := PhaseIdle
	if active != nil {
		phase = active.phase
	}
	o.mu.Unlock()

	nb, err := o.store.GetNotebook(notebookID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Investigating:      active != nil,
		Phase:              phase,
		InvestigationError: nb.InvestigationError,
		RunningMemory:      nb.RunningMemory,
	}
	if active == nil {
		switch {
		case nb.InvestigationError != "":
			st.Phase = PhaseFailed
		case nb.HistoryMemory != nil:
			st.Phase = PhaseCompleted
		}
	}
	return st, nil
}

// Cancel aborts a notebook's in-flight run, if any.
func (o *Orchestrator) Cancel(notebookID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.runs[notebookID]; r != nil {
		r.cancel()
	}
}

// Teardown aborts every in-flight run.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.runs {
		r.cancel()
	}
}

// precheck refuses read-only notebooks and foreign running pointers before
// any network call. A notebook fetch error is treated as an ongoing
// investigation: refusing is safe, clobbering another user's run is not.
func (o *Orchestrator) precheck(notebookID string) (*notebook.Notebook, error) {
	nb, err := o.store.GetNotebook(notebookID)
	if err != nil {
		o.logger.Warn("assuming ongoing investigation for %s: %v", notebookID, err)
		o.notifier.AddWarning(titleFor(ErrOwnershipConflict), "could not verify investigation state")
		return nil, fmt.Errorf("%w: %v", ErrOwnershipConflict, err)
	}
	if nb.ReadOnly {
		o.notifier.AddWarning(titleFor(ErrReadOnlyNotebook), "investigations cannot run on a read-only notebook")
		return nil, ErrReadOnlyNotebook
	}
	if ptr := nb.RunningMemory; ptr != nil && ptr.Owner != "" && ptr.Owner != o.cfg.User {
		o.notifier.AddWarning(titleFor(ErrOwnershipConflict), fmt.Sprintf("user %s is investigating this notebook", ptr.Owner))
		return nil, fmt.Errorf("%w: held by %s", ErrOwnershipConflict, ptr.Owner)
	}
	return nb, nil
}

// runFlow registers a run, cancelling any prior run on the same notebook
// first, executes body, and settles the outcome. The investigating flag
// always clears, success or not.
func (o *Orchestrator) runFlow(ctx context.Context, notebookID, flow string, body func(context.Context, *run) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, phase: PhasePlanning}

	o.mu.Lock()
	if prev := o.runs[notebookID]; prev != nil {
		prev.cancel()
	}
	o.runs[notebookID] = r
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		if o.runs[notebookID] == r {
			delete(o.runs, notebookID)
		}
		o.mu.Unlock()
	}()

	err := body(runCtx, r)
	return o.settle(notebookID, flow, err)
}

// settle converts a run outcome into user-visible state. Aborted polls are
// an expected outcome of cancellation and stay silent; the running pointer
// survives so the investigation can be continued.
func (o *Orchestrator) settle(notebookID, flow string, err error) error {
	if err == nil {
		if o.recorder != nil {
			o.recorder.ObserveInvestigation(flow, true)
		}
		o.logger.Info("%s completed for notebook %s", flow, notebookID)
		return nil
	}
	if errors.Is(err, polling.ErrPollAborted) {
		o.logger.Info("%s aborted for notebook %s", flow, notebookID)
		return nil
	}

	if o.recorder != nil {
		o.recorder.ObserveInvestigation(flow, false)
	}
	o.notifier.AddError(titleFor(err), err)
	if serr := o.store.SetInvestigationError(notebookID, err.Error()); serr != nil {
		o.logger.Error("failed to record investigation error for %s: %v", notebookID, serr)
	}
	return err
}

// submitAndAwait resolves the agent, allocates a session, submits the
// question, persists the running pointer, then polls and reconciles.
func (o *Orchestrator) submitAndAwait(ctx context.Context, r *run, notebookID string, in remote.ExecuteInput, rerun bool) error {
	agentID, err := o.agent.AgentConfig(ctx, o.cfg.Remote.AgentConfigName)
	if err != nil || agentID == "" {
		return fmt.Errorf("%w: no agent for configuration %q: %v", ErrConfigMissing, o.cfg.Remote.AgentConfigName, err)
	}
	containerID, err := o.agent.AgentDetail(ctx, agentID)
	if err != nil || containerID == "" {
		return fmt.Errorf("%w: no memory container for agent %s: %v", ErrConfigMissing, agentID, err)
	}

	sessionID, err := o.allocator.Allocate(ctx, containerID)
	if err != nil {
		return err
	}
	in.ExecutorMemoryID = sessionID

	correlationID, err := o.agent.Execute(ctx, agentID, in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmissionFailure, err)
	}

	// The pointer goes down before polling starts so a restart can resume.
	ptr := &notebook.MemoryPointer{
		ExecutorMemoryID:    sessionID,
		ParentInteractionID: correlationID,
		MemoryContainerID:   containerID,
		Owner:               o.cfg.User,
	}
	if err := o.store.SetRunningMemory(notebookID, ptr); err != nil {
		return fmt.Errorf("failed to persist running investigation: %w", err)
	}

	return o.awaitAndReconcile(ctx, r, notebookID, containerID, correlationID, rerun)
}

// awaitAndReconcile blocks on the shared poller, then reconciles the
// terminal payload. On any reconciliation failure the hypothesis list is
// restored to its pre-investigation snapshot and the running pointer
// cleared, so partial states are never observable.
func (o *Orchestrator) awaitAndReconcile(ctx context.Context, r *run, notebookID, containerID, messageID string, rerun bool) error {
	snapshot, err := o.store.ListHypotheses(notebookID)
	if err != nil {
		return fmt.Errorf("failed to snapshot hypotheses: %w", err)
	}

	r.phase = PhaseGathering
	res := <-o.poller.Subscribe(ctx, containerID, messageID)
	if res.Err != nil {
		if errors.Is(res.Err, polling.ErrPollAborted) {
			return res.Err
		}
		return o.failReconcile(notebookID, snapshot, fmt.Errorf("%w: %v", ErrPollFailure, res.Err))
	}

	r.phase = PhaseReconciling
	resp, derr := reconcile.DecodeResponse(res.Payload)
	if derr != nil {
		return o.failReconcile(notebookID, snapshot, derr)
	}

	start := time.Now()
	o.writeMu.Lock()
	rerr := o.reconciler.Apply(ctx, notebookID, resp, rerun)
	o.writeMu.Unlock()
	if o.recorder != nil {
		o.recorder.ObserveReconcile(time.Since(start), rerr == nil)
	}
	if rerr != nil {
		return o.failReconcile(notebookID, snapshot, rerr)
	}
	return nil
}

// failReconcile restores the hypothesis snapshot and clears the running
// pointer, then propagates the failure.
func (o *Orchestrator) failReconcile(notebookID string, snapshot []notebook.Hypothesis, err error) error {
	o.writeMu.Lock()
	if rerr := o.store.ReplaceHypotheses(notebookID, snapshot); rerr != nil {
		o.logger.Error("failed to restore hypothesis snapshot for %s: %v", notebookID, rerr)
	}
	o.writeMu.Unlock()
	if cerr := o.store.ClearRunningMemory(notebookID); cerr != nil {
		o.logger.Error("failed to clear running pointer for %s: %v", notebookID, cerr)
	}
	return err
}

// contextPrompt builds the prompt from prior paragraph outputs, extended
// with the current hypothesis/finding state on a rerun.
func (o *Orchestrator) contextPrompt(nb *notebook.Notebook, rerun bool) (string, error) {
	paragraphs, err := o.store.ListParagraphs(nb.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load paragraphs: %w", err)
	}
	info := paragraph.NotebookInfo{
		Title:    nb.Title,
		NewTitle: nb.Title == notebook.DefaultTitle,
	}
	prompt := paragraph.BuildContextPrompt(o.counter, paragraphs, info,
		[]string{notebook.ParagraphTypeMarkdown}, o.cfg.Context.TokenBudget)
	if !rerun {
		return prompt, nil
	}

	hypotheses, err := o.store.ListHypotheses(nb.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load hypotheses: %w", err)
	}
	var findings []notebook.Paragraph
	for _, p := range paragraphs {
		if p.Type == notebook.ParagraphTypeFinding {
			findings = append(findings, p)
		}
	}
	rerunCtx := paragraph.BuildRerunContext(hypotheses, findings)
	if rerunCtx == "" {
		return prompt, nil
	}
	if prompt == "" {
		return rerunCtx, nil
	}
	return prompt + "\n\n" + rerunCtx, nil
}
