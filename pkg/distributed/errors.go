package distributed

import "errors"

var (
	// ErrCoordinatorNotInit is returned when trying to perform an
	// operation on a coordinator not in its Init state.
	ErrCoordinatorNotInit = errors.New("distributed: coordinator not in init state")

	// ErrCoordinatorNotPreparing is returned when trying to commit
	// without preparing first.
	ErrCoordinatorNotPreparing = errors.New("distributed: coordinator not in preparing state")

	// ErrAlreadyCommitted is returned when trying to abort an
	// already-committed transaction.
	ErrAlreadyCommitted = errors.New("distributed: transaction already committed")

	// ErrParticipantNotFound is returned when a participant ID is not
	// found.
	ErrParticipantNotFound = errors.New("distributed: participant not found")

	// ErrParticipantAlreadyAdded is returned when trying to add a
	// duplicate participant.
	ErrParticipantAlreadyAdded = errors.New("distributed: participant already added")

	// ErrNotAllPrepared is returned when not all participants vote YES.
	ErrNotAllPrepared = errors.New("distributed: not all participants voted YES to prepare")
)
