package boards

import "context"

// Board is a sensor board and its human readable description.
type Board struct {
	ID          string
	Description string
}

// Source lists the known boards.
type Source interface {
	ListBoards(ctx context.Context) ([]Board, error)
}

// Lookup resolves a board id to its description.
type Lookup interface {
	Lookup(boardID string) (string, bool)
}

// Sink receives the full board list after each refresh.
type Sink interface {
	Sync(ctx context.Context, list []Board) error
}
