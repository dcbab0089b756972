package agent

import "errors"

var (
	// ErrUninitialized is returned when a turn is requested before the
	// processor and its collaborators exist.
	ErrUninitialized = errors.New("agent is not initialized")
	// ErrEmptyInput means no utterance could be extracted from the request.
	ErrEmptyInput = errors.New("no user utterance provided")
	// ErrTurnInProgress rejects a turn on a session that is still processing
	// (or streaming) a previous one.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
)
