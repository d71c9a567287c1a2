package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"prism-board/domain"
)

const cardsSchema = `
CREATE TABLE IF NOT EXISTS cards (
    workspace_id TEXT NOT NULL,
    id           TEXT NOT NULL,
    status       TEXT NOT NULL,
    sort_order   INTEGER NOT NULL CHECK (sort_order >= 0),
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    priority     TEXT NOT NULL,
    type         TEXT NOT NULL,
    assignee     TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (workspace_id, id)
);
CREATE INDEX IF NOT EXISTS cards_column_idx ON cards (workspace_id, status, sort_order);
`

const cardColumns = `id, workspace_id, status, sort_order, title, description, priority, type, assignee, created_at, updated_at`

// pgxConn is the part of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres keeps cards in a relational table.
type Postgres struct {
	db    pgxConn
	close func()
	now   func() time.Time
}

// NewPostgres opens a pool against dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{db: pool, close: pool.Close, now: time.Now}, nil
}

// EnsureSchema creates the cards table when it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, cardsSchema)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

func (p *Postgres) ListCards(ctx context.Context, workspaceID string) ([]domain.Card, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE workspace_id = $1 ORDER BY status, sort_order`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []domain.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (p *Postgres) GetCard(ctx context.Context, workspaceID, cardID string) (domain.Card, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE workspace_id = $1 AND id = $2`, workspaceID, cardID)
	c, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return c, err
}

// CreateCard inserts c with order equal to the current length of its column.
func (p *Postgres) CreateCard(ctx context.Context, workspaceID string, c domain.Card) (domain.Card, error) {
	c.WorkspaceID = workspaceID
	row := p.db.QueryRow(ctx, `
INSERT INTO cards (`+cardColumns+`)
SELECT $1, $2, $3, COUNT(*), $4, $5, $6, $7, $8, $9, $10
FROM cards WHERE workspace_id = $2 AND status = $3
RETURNING sort_order`,
		c.ID, workspaceID, string(c.Status), c.Title, c.Description, c.Priority, c.Type, c.Assignee,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err := row.Scan(&c.Order); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, workspaceID, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	if err := upd.Validate(); err != nil {
		return domain.Card{}, err
	}
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}
	row := p.db.QueryRow(ctx, `
UPDATE cards
SET status = COALESCE($3, status), sort_order = COALESCE($4, sort_order), updated_at = $5
WHERE workspace_id = $1 AND id = $2
RETURNING `+cardColumns,
		workspaceID, cardID, status, upd.Order, p.now().UTC())
	c, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return c, err
}

func (p *Postgres) DeleteCard(ctx context.Context, workspaceID, cardID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM cards WHERE workspace_id = $1 AND id = $2`, workspaceID, cardID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func scanCard(row pgx.Row) (domain.Card, error) {
	var (
		c      domain.Card
		status string
	)
	err := row.Scan(&c.ID, &c.WorkspaceID, &status, &c.Order, &c.Title, &c.Description,
		&c.Priority, &c.Type, &c.Assignee, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Card{}, err
	}
	c.Status = domain.Column(status)
	return c, nil
}
