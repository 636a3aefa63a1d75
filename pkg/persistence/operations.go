package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"investigator/pkg/notebook"
)

// CreateParagraph inserts a paragraph at the given index. A negative index
// appends after the current last paragraph.
func (s *Store) CreateParagraph(p *notebook.Paragraph) error {
	if p.ID == "" {
		p.ID = notebook.GenerateParagraphID()
	}
	now := time.Now().UTC()
	if p.DateCreated.IsZero() {
		p.DateCreated = now
	}
	p.DateModified = now

	if p.Index < 0 {
		var maxIdx sql.NullInt64
		err := s.db.QueryRow("SELECT MAX(idx) FROM paragraphs WHERE notebook_id = ?", p.NotebookID).Scan(&maxIdx)
		if err != nil {
			return fmt.Errorf("failed to find paragraph index: %w", err)
		}
		p.Index = int(maxIdx.Int64) + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO paragraphs (id, notebook_id, idx, type, input, output, agent_generated, date_created, date_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.NotebookID, p.Index, p.Type, p.Input, p.Output, boolToInt(p.AgentGenerated), p.DateCreated, p.DateModified)
	if err != nil {
		return fmt.Errorf("failed to insert paragraph: %w", err)
	}
	return nil
}

// GetParagraph loads a paragraph by id.
func (s *Store) GetParagraph(id string) (*notebook.Paragraph, error) {
	row := s.db.QueryRow(`
		SELECT id, notebook_id, idx, type, input, output, agent_generated, date_created, date_modified
		FROM paragraphs WHERE id = ?`, id)
	p, err := scanParagraph(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("paragraph %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListParagraphs returns a notebook's paragraphs ordered by index.
func (s *Store) ListParagraphs(notebookID string) ([]notebook.Paragraph, error) {
	rows, err := s.db.Query(`
		SELECT id, notebook_id, idx, type, input, output, agent_generated, date_created, date_modified
		FROM paragraphs WHERE notebook_id = ? ORDER BY idx`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paragraphs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notebook.Paragraph
	for rows.Next() {
		p, err := scanParagraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateParagraphOutput records the output of a paragraph run.
func (s *Store) UpdateParagraphOutput(id, output string) error {
	res, err := s.db.Exec("UPDATE paragraphs SET output = ?, date_modified = ? WHERE id = ?",
		output, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update paragraph %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("paragraph %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteParagraphs removes the given paragraphs in one statement.
func (s *Store) DeleteParagraphs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec("DELETE FROM paragraphs WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to delete paragraphs: %w", err)
	}
	return nil
}

// ListHypotheses returns a notebook's hypotheses in list order.
func (s *Store) ListHypotheses(notebookID string) ([]notebook.Hypothesis, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, likelihood, status, supporting_ids, new_added_ids, date_created, date_modified
		FROM hypotheses WHERE notebook_id = ? ORDER BY position`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hypotheses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notebook.Hypothesis
	for rows.Next() {
		var h notebook.Hypothesis
		var supporting, newAdded string
		if err := rows.Scan(&h.ID, &h.Title, &h.Description, &h.Likelihood, &h.Status,
			&supporting, &newAdded, &h.DateCreated, &h.DateModified); err != nil {
			return nil, fmt.Errorf("failed to scan hypothesis: %w", err)
		}
		if err := json.Unmarshal([]byte(supporting), &h.SupportingFindingParagraphs); err != nil {
			return nil, fmt.Errorf("failed to decode supporting ids for %s: %w", h.ID, err)
		}
		if err := json.Unmarshal([]byte(newAdded), &h.NewAddedFindingParagraphIDs); err != nil {
			return nil, fmt.Errorf("failed to decode new-added ids for %s: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReplaceHypotheses swaps a notebook's entire hypothesis list in one
// transaction. List order is the persisted rank: position 0 is primary.
func (s *Store) ReplaceHypotheses(notebookID string, list []notebook.Hypothesis) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM hypotheses WHERE notebook_id = ?", notebookID); err != nil {
		return fmt.Errorf("failed to clear hypotheses: %w", err)
	}

	for i, h := range list {
		supporting, err := json.Marshal(emptyIfNil(h.SupportingFindingParagraphs))
		if err != nil {
			return fmt.Errorf("failed to encode supporting ids: %w", err)
		}
		newAdded, err := json.Marshal(emptyIfNil(h.NewAddedFindingParagraphIDs))
		if err != nil {
			return fmt.Errorf("failed to encode new-added ids: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO hypotheses (id, notebook_id, position, title, description, likelihood, status,
				supporting_ids, new_added_ids, date_created, date_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, notebookID, i, h.Title, h.Description, h.Likelihood, h.Status,
			string(supporting), string(newAdded), h.DateCreated, h.DateModified); err != nil {
			return fmt.Errorf("failed to insert hypothesis %s: %w", h.ID, err)
		}
	}

	if _, err := tx.Exec("UPDATE notebooks SET date_modified = ? WHERE id = ?", time.Now().UTC(), notebookID); err != nil {
		return fmt.Errorf("failed to touch notebook: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hypothesis replacement: %w", err)
	}
	return nil
}

// InsertTopologies stores agent-produced topologies. Topologies are
// immutable; existing rows are left untouched.
func (s *Store) InsertTopologies(notebookID string, topologies []notebook.Topology) error {
	if len(topologies) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, t := range topologies {
		hypIDs, err := json.Marshal(emptyIfNil(t.HypothesisIDs))
		if err != nil {
			return fmt.Errorf("failed to encode hypothesis ids: %w", err)
		}
		nodes, err := json.Marshal(t.Nodes)
		if err != nil {
			return fmt.Errorf("failed to encode topology nodes: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO topologies (id, notebook_id, description, trace_id, hypothesis_ids, nodes, date_created)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, notebookID, t.Description, t.TraceID, string(hypIDs), string(nodes), now); err != nil {
			return fmt.Errorf("failed to insert topology %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topologies: %w", err)
	}
	return nil
}

// ListTopologies returns a notebook's topologies.
func (s *Store) ListTopologies(notebookID string) ([]notebook.Topology, error) {
	rows, err := s.db.Query(`
		SELECT id, description, trace_id, hypothesis_ids, nodes
		FROM topologies WHERE notebook_id = ? ORDER BY date_created`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topologies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notebook.Topology
	for rows.Next() {
		var t notebook.Topology
		var hypIDs, nodes string
		if err := rows.Scan(&t.ID, &t.Description, &t.TraceID, &hypIDs, &nodes); err != nil {
			return nil, fmt.Errorf("failed to scan topology: %w", err)
		}
		if err := json.Unmarshal([]byte(hypIDs), &t.HypothesisIDs); err != nil {
			return nil, fmt.Errorf("failed to decode hypothesis ids for %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(nodes), &t.Nodes); err != nil {
			return nil, fmt.Errorf("failed to decode nodes for %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParagraph(row rowScanner) (*notebook.Paragraph, error) {
	var p notebook.Paragraph
	var agentGenerated int
	err := row.Scan(&p.ID, &p.NotebookID, &p.Index, &p.Type, &p.Input, &p.Output,
		&agentGenerated, &p.DateCreated, &p.DateModified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan paragraph: %w", err)
	}
	p.AgentGenerated = agentGenerated != 0
	return &p, nil
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
