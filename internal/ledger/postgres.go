package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genserver/internal/domain"
)

// Postgres implements Ledger against the platform's user table. The
// conditional UPDATE keeps charge atomicity inside the database so concurrent
// charges against one user cannot overdraw the balance.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a ledger backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Charge(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative charge %d", amount)
	}
	query := `
UPDATE users
SET credits = credits - $2,
    updated_at = NOW()
WHERE id = $1 AND credits >= $2;
`
	tag, err := p.pool.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("ledger: charge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCredit
	}
	return nil
}

func (p *Postgres) Refund(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative refund %d", amount)
	}
	query := `
UPDATE users
SET credits = credits + $2,
    updated_at = NOW()
WHERE id = $1;
`
	if _, err := p.pool.Exec(ctx, query, userID, amount); err != nil {
		return fmt.Errorf("ledger: refund: %w", err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	row := p.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1;`, userID)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}
