package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"investigator/pkg/notebook"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides notebook storage operations. All hypothesis-list writes go
// through ReplaceHypotheses, which is transactional: readers never observe a
// half-replaced list.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateNotebook inserts a notebook record.
func (s *Store) CreateNotebook(nb *notebook.Notebook) error {
	if nb.ID == "" {
		return fmt.Errorf("notebook id cannot be empty")
	}
	if nb.Title == "" {
		nb.Title = notebook.DefaultTitle
	}
	now := time.Now().UTC()
	if nb.DateCreated.IsZero() {
		nb.DateCreated = now
	}
	nb.DateModified = now

	running, err := marshalPointer(nb.RunningMemory)
	if err != nil {
		return err
	}
	history, err := marshalPointer(nb.HistoryMemory)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO notebooks (id, title, read_only, investigation_error, feedback_summary,
			running_memory, history_memory, date_created, date_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nb.ID, nb.Title, boolToInt(nb.ReadOnly), nb.InvestigationError, nb.FeedbackSummary,
		running, history, nb.DateCreated, nb.DateModified)
	if err != nil {
		return fmt.Errorf("failed to insert notebook: %w", err)
	}
	return nil
}

// GetNotebook loads a notebook by id.
func (s *Store) GetNotebook(id string) (*notebook.Notebook, error) {
	row := s.db.QueryRow(`
		SELECT id, title, read_only, investigation_error, feedback_summary,
			running_memory, history_memory, date_created, date_modified
		FROM notebooks WHERE id = ?`, id)

	var nb notebook.Notebook
	var readOnly int
	var running, history sql.NullString
	err := row.Scan(&nb.ID, &nb.Title, &readOnly, &nb.InvestigationError, &nb.FeedbackSummary,
		&running, &history, &nb.DateCreated, &nb.DateModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notebook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notebook %s: %w", id, err)
	}

	nb.ReadOnly = readOnly != 0
	if nb.RunningMemory, err = unmarshalPointer(running); err != nil {
		return nil, err
	}
	if nb.HistoryMemory, err = unmarshalPointer(history); err != nil {
		return nil, err
	}
	return &nb, nil
}

// UpdateTitle renames a notebook.
func (s *Store) UpdateTitle(id, title string) error {
	return s.touchNotebook(id, "UPDATE notebooks SET title = ?, date_modified = ? WHERE id = ?", title)
}

// SetInvestigationError records a surfaced investigation error so it
// survives a reload.
func (s *Store) SetInvestigationError(id, message string) error {
	return s.touchNotebook(id, "UPDATE notebooks SET investigation_error = ?, date_modified = ? WHERE id = ?", message)
}

// ClearInvestigationError clears the surfaced investigation error.
func (s *Store) ClearInvestigationError(id string) error {
	return s.SetInvestigationError(id, "")
}

// SetFeedbackSummary stores the agent's latest feedback summary.
func (s *Store) SetFeedbackSummary(id, summary string) error {
	return s.touchNotebook(id, "UPDATE notebooks SET feedback_summary = ?, date_modified = ? WHERE id = ?", summary)
}

// SetRunningMemory persists the running pointer for an in-flight session.
func (s *Store) SetRunningMemory(id string, ptr *notebook.MemoryPointer) error {
	data, err := marshalPointer(ptr)
	if err != nil {
		return err
	}
	return s.touchNotebook(id, "UPDATE notebooks SET running_memory = ?, date_modified = ? WHERE id = ?", data)
}

// GetRunningMemory reads the persisted running pointer, nil when absent.
func (s *Store) GetRunningMemory(id string) (*notebook.MemoryPointer, error) {
	var running sql.NullString
	err := s.db.QueryRow("SELECT running_memory FROM notebooks WHERE id = ?", id).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notebook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read running memory for %s: %w", id, err)
	}
	return unmarshalPointer(running)
}

// ClearRunningMemory removes the running pointer.
func (s *Store) ClearRunningMemory(id string) error {
	return s.touchNotebook(id, "UPDATE notebooks SET running_memory = NULL, date_modified = ? WHERE id = ?")
}

// PromoteRunningToHistory atomically moves the running pointer into the
// history slot on successful completion.
func (s *Store) PromoteRunningToHistory(id string) error {
	_, err := s.db.Exec(`
		UPDATE notebooks
		SET history_memory = running_memory, running_memory = NULL, date_modified = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to promote running memory for %s: %w", id, err)
	}
	return nil
}

// touchNotebook runs an UPDATE whose last two placeholders are
// (date_modified, id); extra args come first.
func (s *Store) touchNotebook(id, query string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notebook %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notebook %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalPointer(ptr *notebook.MemoryPointer) (any, error) {
	if ptr == nil {
		return nil, nil
	}
	data, err := json.Marshal(ptr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memory pointer: %w", err)
	}
	return string(data), nil
}

func unmarshalPointer(data sql.NullString) (*notebook.MemoryPointer, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var ptr notebook.MemoryPointer
	if err := json.Unmarshal([]byte(data.String), &ptr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory pointer: %w", err)
	}
	return &ptr, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
