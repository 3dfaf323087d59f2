package ledger

import (
	"strings"
)

// RejectedError marks a write the ledger refused (revert, expired window,
// already settled, insufficient bond). Retrying cannot help; callers skip
// the item.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger: submission rejected: " + e.Reason
}

var rejectionMarkers = []string{
	"revert",
	"nonce too low",
	"insufficient funds",
}

// classifySendError separates ledger-level rejections from transport
// failures. Anything not recognised as a rejection is assumed transient.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return &RejectedError{Reason: err.Error()}
		}
	}
	return err
}
