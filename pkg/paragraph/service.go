// Package paragraph provides the paragraph-management collaborator used by
// the reconciler and orchestrator, plus the context prompt builder.
package paragraph

import (
	"context"
	"fmt"

	"investigator/pkg/logx"
	"investigator/pkg/notebook"
	"investigator/pkg/persistence"
)

// CreateInput describes one paragraph to create.
type CreateInput struct {
	NotebookID     string
	Type           string
	Input          string
	AgentGenerated bool
}

// Service is the paragraph-management interface consumed by the engine.
// Every call may fail independently; the reconciler treats batch failures
// as fatal for the reconciliation pass.
type Service interface {
	Create(ctx context.Context, in CreateInput) (*notebook.Paragraph, error)
	BatchCreate(ctx context.Context, startIndex int, items []CreateInput) ([]notebook.Paragraph, error)
	BatchRun(ctx context.Context, ids []string) error
	BatchDelete(ctx context.Context, ids []string) error
	Run(ctx context.Context, id string) error
}

// StoreService implements Service over the notebook store. Running a
// finding paragraph materializes its input as output; other paragraph types
// are executed by collaborators outside this engine.
type StoreService struct {
	store  *persistence.Store
	logger *logx.Logger
}

// NewStoreService creates a store-backed paragraph service.
func NewStoreService(store *persistence.Store) *StoreService {
	return &StoreService{
		store:  store,
		logger: logx.NewLogger("paragraph"),
	}
}

// Create inserts one paragraph appended to the notebook.
func (s *StoreService) Create(_ context.Context, in CreateInput) (*notebook.Paragraph, error) {
	p := &notebook.Paragraph{
		NotebookID:     in.NotebookID,
		Index:          -1,
		Type:           in.Type,
		Input:          in.Input,
		AgentGenerated: in.AgentGenerated,
	}
	if err := s.store.CreateParagraph(p); err != nil {
		return nil, fmt.Errorf("failed to create paragraph: %w", err)
	}
	s.logger.Debug("created paragraph %s (type=%s, agent=%t)", p.ID, p.Type, p.AgentGenerated)
	return p, nil
}

// BatchCreate inserts paragraphs starting at the given index, in order.
func (s *StoreService) BatchCreate(_ context.Context, startIndex int, items []CreateInput) ([]notebook.Paragraph, error) {
	out := make([]notebook.Paragraph, 0, len(items))
	for i, in := range items {
		p := &notebook.Paragraph{
			NotebookID:     in.NotebookID,
			Index:          startIndex + i,
			Type:           in.Type,
			Input:          in.Input,
			AgentGenerated: in.AgentGenerated,
		}
		if err := s.store.CreateParagraph(p); err != nil {
			return nil, fmt.Errorf("failed to create paragraph %d of %d: %w", i+1, len(items), err)
		}
		out = append(out, *p)
	}
	return out, nil
}

// BatchRun runs each paragraph, stopping at the first failure.
func (s *StoreService) BatchRun(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.Run(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete removes the given paragraphs.
func (s *StoreService) BatchDelete(_ context.Context, ids []string) error {
	if err := s.store.DeleteParagraphs(ids); err != nil {
		return fmt.Errorf("failed to delete paragraphs: %w", err)
	}
	return nil
}

// Run executes one paragraph. Finding paragraphs render their input.
func (s *StoreService) Run(_ context.Context, id string) error {
	p, err := s.store.GetParagraph(id)
	if err != nil {
		return fmt.Errorf("failed to load paragraph %s: %w", id, err)
	}
	if err := s.store.UpdateParagraphOutput(id, p.Input); err != nil {
		return fmt.Errorf("failed to run paragraph %s: %w", id, err)
	}
	return nil
}
