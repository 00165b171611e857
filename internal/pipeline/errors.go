package pipeline

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, evaluator, ledger and guard.
// Callers match with errors.Is; the narrower errors wrap the broad classes.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrInvalidStage          = fmt.Errorf("%w: invalid stage", ErrValidation)
	ErrNotFoundingSession    = fmt.Errorf("%w: source session is not the founding session", ErrValidation)
	ErrNotActive             = fmt.Errorf("%w: claim is not active", ErrConflict)
	ErrDuplicateActiveClaim  = fmt.Errorf("%w: an active claim with this text already exists", ErrConflict)
	ErrInvalidClassification = fmt.Errorf("%w: invalid classification", ErrValidation)
)
