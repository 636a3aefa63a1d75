// Package reconcile validates the agent's terminal payload and reconciles
// it into persisted notebook state: finding paragraphs, a re-ranked
// hypothesis list, and topology records.
package reconcile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"investigator/pkg/notebook"
)

// Kind classifies reconciliation errors.
type Kind string

const (
	KindParseFailure   Kind = "ParseFailure"
	KindInvalidSchema  Kind = "InvalidSchema"
	KindReconciliation Kind = "ReconciliationFailure"
)

// MaxStepsMessage is the stable message surfaced when the agent ran out of
// its step budget. The variable numeric budget lives in the cause only.
const MaxStepsMessage = "Max Steps Limit Reached"

// invalidSchemaCause is fixed regardless of payload content so schema
// failures have a stable identity.
const invalidSchemaCause = "agent response does not match the expected investigation shape"

var maxStepsPattern = regexp.MustCompile(`Max Steps Limit \(\d+\) Reached`)

// Error is a classified reconciliation failure. Cause carries the raw
// diagnostic detail, for parse failures the agent's original text.
type Error struct {
	Kind    Kind
	Message string
	Cause   string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s", e.Kind, truncateCause(e.Cause))
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wireResponse mirrors InvestigationResponse with pointer slices so a
// missing field is distinguishable from an empty one.
type wireResponse struct {
	Findings          *[]notebook.Finding       `json:"findings"`
	Hypotheses        *[]notebook.RawHypothesis `json:"hypotheses"`
	Topologies        *[]notebook.Topology      `json:"topologies"`
	InvestigationName string                    `json:"investigationName"`
	FeedbackSummary   string                    `json:"feedbackSummary"`
}

// ParseResponse parses the agent's terminal payload text as JSON. The known
// "Max Steps Limit (<n>) Reached" sentinel normalizes to a stable message
// with the original text kept as the cause; any other parse failure leaves
// the message empty and retains the raw text.
func ParseResponse(raw string) (json.RawMessage, *Error) {
	trimmed := strings.TrimSpace(raw)
	if !json.Valid([]byte(trimmed)) {
		if maxStepsPattern.MatchString(trimmed) {
			return nil, &Error{Kind: KindParseFailure, Message: MaxStepsMessage, Cause: raw}
		}
		return nil, &Error{Kind: KindParseFailure, Cause: raw}
	}
	return json.RawMessage(trimmed), nil
}

// ValidateResponse checks a parsed payload against the investigation
// response shape. The payload is untrusted input; it never reaches the
// reconciler without passing through here.
func ValidateResponse(data json.RawMessage) (*notebook.InvestigationResponse, *Error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &Error{Kind: KindInvalidSchema, Cause: invalidSchemaCause}
	}
	if wire.Findings == nil || wire.Hypotheses == nil || wire.Topologies == nil {
		return nil, &Error{Kind: KindInvalidSchema, Cause: invalidSchemaCause}
	}
	return &notebook.InvestigationResponse{
		Findings:          *wire.Findings,
		Hypotheses:        *wire.Hypotheses,
		Topologies:        *wire.Topologies,
		InvestigationName: wire.InvestigationName,
		FeedbackSummary:   wire.FeedbackSummary,
	}, nil
}

// DecodeResponse parses and validates one terminal payload.
func DecodeResponse(raw string) (*notebook.InvestigationResponse, *Error) {
	data, perr := ParseResponse(raw)
	if perr != nil {
		return nil, perr
	}
	return ValidateResponse(data)
}

func truncateCause(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
