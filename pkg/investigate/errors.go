package investigate

import (
	"errors"

	"investigator/pkg/reconcile"
	"investigator/pkg/remote"
)

// Orchestration error sentinels. Each maps to a fixed notification title so
// the rendering layer shows a stable badge per failure kind.
var (
	ErrOwnershipConflict = errors.New("another user is already investigating this notebook")
	ErrReadOnlyNotebook  = errors.New("notebook is read-only")
	ErrConfigMissing     = errors.New("agent configuration could not be resolved")
	ErrSubmissionFailure = errors.New("agent accepted no submission")
	ErrPollFailure       = errors.New("polling the agent failed")
)

// titleFor maps an error to its fixed user-facing notification title.
func titleFor(err error) string {
	switch {
	case errors.Is(err, ErrOwnershipConflict):
		return "Investigation already in progress"
	case errors.Is(err, ErrReadOnlyNotebook):
		return "Notebook is read-only"
	case errors.Is(err, ErrConfigMissing):
		return "Agent configuration missing"
	case errors.Is(err, remote.ErrAllocationExhausted):
		return "Failed to allocate agent session"
	case errors.Is(err, ErrSubmissionFailure):
		return "Failed to submit investigation"
	case errors.Is(err, ErrPollFailure):
		return "Failed to poll investigation status"
	}

	var rerr *reconcile.Error
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case reconcile.KindParseFailure:
			return "Failed to parse agent response"
		case reconcile.KindInvalidSchema:
			return "Agent response has an unexpected shape"
		case reconcile.KindReconciliation:
			return "Failed to apply agent response"
		}
	}
	return "Investigation failed"
}
