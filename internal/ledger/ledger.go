// Package ledger tracks generation credits. The orchestrator charges a user
// before enqueueing work and refunds unusable output at the terminal
// transition; implementations must keep both operations atomic per user.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"genserver/internal/domain"
)

// Ledger is the credit collaborator consumed by the orchestrator.
type Ledger interface {
	// Charge deducts amount from the user's balance, returning
	// domain.ErrInsufficientCredit when the balance cannot cover it.
	Charge(ctx context.Context, userID string, amount int64) error
	// Refund returns amount to the user's balance.
	Refund(ctx context.Context, userID string, amount int64) error
	// Balance reports the user's current credit.
	Balance(ctx context.Context, userID string) (int64, error)
}

// Memory is a map-backed ledger for development and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	seed     int64
	seen     map[string]bool
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64), seen: make(map[string]bool)}
}

// NewMemoryWithSeed creates a ledger that grants every unseen user a starting
// balance on first contact. Development mode runs on this so any valid token
// can generate without a database.
func NewMemoryWithSeed(seed int64) *Memory {
	m := NewMemory()
	m.seed = seed
	return m
}

// Grant seeds a user's balance. Test helper and development bootstrap.
func (m *Memory) Grant(userID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[userID] = true
	m.balances[userID] += amount
}

func (m *Memory) Charge(ctx context.Context, userID string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("ledger: negative charge %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seed > 0 && !m.seen[userID] {
		m.seen[userID] = true
		m.balances[userID] += m.seed
	}
	if m.balances[userID] < amount {
		return domain.ErrInsufficientCredit
	}
	m.balances[userID] -= amount
	return nil
}

func (m *Memory) Refund(ctx context.Context, userID string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("ledger: negative refund %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}
