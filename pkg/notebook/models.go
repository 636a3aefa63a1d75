// Package notebook defines the investigation domain model: notebooks,
// paragraphs, hypotheses, findings, topologies, and the memory pointers
// tying a notebook to remote agent sessions. It also owns the hypothesis
// ranking rules (see ranking.go).
package notebook

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the placeholder title a freshly created notebook carries.
// The reconciler only renames a notebook that still has this title.
const DefaultTitle = "Untitled investigation"

// Hypothesis status constants. An absent status means ACTIVE.
const (
	StatusRuledOut = "RULED_OUT"
)

// Paragraph type constants.
const (
	ParagraphTypeMarkdown = "markdown"
	ParagraphTypeFinding  = "finding"
	ParagraphTypeQuery    = "query"
	ParagraphTypeViz      = "visualization"
)

// FindingTypeTopology marks findings that describe a service topology.
// Topology findings are always surfaced ahead of everything else.
const FindingTypeTopology = "TOPOLOGY"

const paragraphIDPrefix = "paragraph_"

// MemoryPointer identifies one in-flight or completed agent session.
// A notebook holds at most one running pointer and one history pointer.
type MemoryPointer struct {
	ExecutorMemoryID    string `json:"executorMemoryId"`
	ParentInteractionID string `json:"parentInteractionId"`
	MemoryContainerID   string `json:"memoryContainerId"`
	Owner               string `json:"owner,omitempty"`
}

// Finding is a discrete piece of evidence surfaced by the agent. Each
// accepted finding becomes exactly one persisted finding paragraph.
type Finding struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Importance  int    `json:"importance"`
	Evidence    string `json:"evidence"`
	Type        string `json:"type,omitempty"`
}

// Hypothesis is a ranked candidate explanation. Position 0 in a notebook's
// hypothesis list is the primary hypothesis; see ValidateOrder.
type Hypothesis struct {
	ID                          string    `json:"id"`
	Title                       string    `json:"title"`
	Description                 string    `json:"description"`
	Likelihood                  int       `json:"likelihood"`
	Status                      string    `json:"status,omitempty"`
	SupportingFindingParagraphs []string  `json:"supportingFindingParagraphIds"`
	NewAddedFindingParagraphIDs []string  `json:"newAddedFindingIds,omitempty"`
	DateCreated                 time.Time `json:"dateCreated"`
	DateModified                time.Time `json:"dateModified"`
}

// RuledOut reports whether the hypothesis has been ruled out.
func (h *Hypothesis) RuledOut() bool {
	return h.Status == StatusRuledOut
}

// TopologyNode is one node of an agent-produced topology graph.
type TopologyNode struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// Topology is produced only by the agent and immutable once created.
type Topology struct {
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	TraceID       string         `json:"traceId"`
	HypothesisIDs []string       `json:"hypothesisIds"`
	Nodes         []TopologyNode `json:"nodes"`
}

// InvestigationResponse is the validated terminal payload of an agent run.
// Raw payloads must pass through reconcile.ParseResponse before becoming one
// of these.
type InvestigationResponse struct {
	Findings          []Finding       `json:"findings"`
	Hypotheses        []RawHypothesis `json:"hypotheses"`
	Topologies        []Topology      `json:"topologies"`
	InvestigationName string          `json:"investigationName,omitempty"`
	FeedbackSummary   string          `json:"feedbackSummary,omitempty"`
}

// RawHypothesis is a hypothesis as the agent reports it: its supporting
// findings reference agent-local finding ids, not persisted paragraph ids.
type RawHypothesis struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Likelihood         int      `json:"likelihood"`
	SupportingFindings []string `json:"supporting_findings"`
}

// Paragraph is the minimal persisted paragraph shape the engine needs.
// AgentGenerated distinguishes agent findings (replaced on every
// reconciliation) from user-authored ones (never deleted by the engine).
type Paragraph struct {
	ID             string    `json:"id"`
	NotebookID     string    `json:"notebookId"`
	Index          int       `json:"index"`
	Type           string    `json:"type"`
	Input          string    `json:"input"`
	Output         string    `json:"output"`
	AgentGenerated bool      `json:"agentGenerated"`
	DateCreated    time.Time `json:"dateCreated"`
	DateModified   time.Time `json:"dateModified"`
}

// Notebook is the persisted investigation notebook record.
type Notebook struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	ReadOnly           bool           `json:"readOnly"`
	InvestigationError string         `json:"investigationError,omitempty"`
	FeedbackSummary    string         `json:"feedbackSummary,omitempty"`
	RunningMemory      *MemoryPointer `json:"runningMemory,omitempty"`
	HistoryMemory      *MemoryPointer `json:"historyMemory,omitempty"`
	DateCreated        time.Time      `json:"dateCreated"`
	DateModified       time.Time      `json:"dateModified"`
}

// GenerateNotebookID generates a new UUID for a notebook.
func GenerateNotebookID() string {
	return uuid.New().String()
}

// GenerateHypothesisID generates a new UUID for a hypothesis.
func GenerateHypothesisID() string {
	return uuid.New().String()
}

// GenerateParagraphID generates a prefixed paragraph id. The prefix lets the
// reconciler tell persisted paragraph ids apart from agent-local finding ids.
func GenerateParagraphID() string {
	return paragraphIDPrefix + uuid.New().String()
}

// IsParagraphID reports whether id looks like a persisted paragraph id.
func IsParagraphID(id string) bool {
	return strings.HasPrefix(id, paragraphIDPrefix)
}
