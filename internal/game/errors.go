// internal/game/errors.go
package game

import (
	"fmt"

	"github.com/aifedespaix/cki/internal/models"
)

// InvalidActionError reports a violated precondition. The state is guaranteed
// unchanged when it is returned.
type InvalidActionError struct {
	Action models.Action
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid %s action: %s", e.Action.Type, e.Reason)
}

func reject(a models.Action, format string, args ...interface{}) error {
	return &InvalidActionError{Action: a, Reason: fmt.Sprintf(format, args...)}
}
