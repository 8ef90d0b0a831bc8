package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	boards "meact/internal/boards/domain"
)

const defaultBoardsTable = "boards"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BoardRepository is a Postgres implementation for boards.
type BoardRepository struct {
	db    DBTX
	table string
}

// BoardOption configures the repository.
type BoardOption func(*BoardRepository)

// WithBoardTable overrides the default table name.
func WithBoardTable(table string) BoardOption {
	return func(repo *BoardRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewBoardRepository constructs a repository.
func NewBoardRepository(db DBTX, opts ...BoardOption) *BoardRepository {
	repo := &BoardRepository{db: db, table: defaultBoardsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListBoards returns all boards ordered by id.
func (r *BoardRepository) ListBoards(ctx context.Context) ([]boards.Board, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("board repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT board_id, board_desc
FROM %s
ORDER BY board_id`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []boards.Board
	for rows.Next() {
		var board boards.Board
		if err := rows.Scan(&board.ID, &board.Description); err != nil {
			return nil, err
		}
		out = append(out, board)
	}
	return out, rows.Err()
}

// Save upserts a board.
func (r *BoardRepository) Save(ctx context.Context, board boards.Board) error {
	if r == nil || r.db == nil {
		return errors.New("board repo: nil db")
	}
	if board.ID == "" {
		return errors.New("board repo: empty id")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (board_id, board_desc)
VALUES ($1, $2)
ON CONFLICT (board_id)
DO UPDATE SET board_desc = EXCLUDED.board_desc`, r.table), board.ID, board.Description)
	return err
}

// Sync upserts every board from list.
func (r *BoardRepository) Sync(ctx context.Context, list []boards.Board) error {
	for _, board := range list {
		if err := r.Save(ctx, board); err != nil {
			return fmt.Errorf("board repo: sync %s: %w", board.ID, err)
		}
	}
	return nil
}
