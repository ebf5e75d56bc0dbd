// Package accounts resolves the externally managed account attributes the
// core depends on: tier, compliance clearance and referrer.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory looks up account attributes owned by the identity/billing collaborators.
type Directory interface {
	Account(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

// PostgresDirectory reads the users table maintained by the profile service.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Account(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	acc := &models.Account{UserID: userID}
	err := d.db.QueryRow(ctx, `
		SELECT tier, compliance_cleared_at IS NOT NULL, referrer_id
		FROM users
		WHERE id = $1`, userID).Scan(&acc.Tier, &acc.ComplianceCleared, &acc.ReferrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return acc, nil
}

// StaticDirectory is an in-memory Directory. Unknown users resolve to a
// standard, uncleared account.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]models.Account
}

func NewStaticDirectory(accounts ...models.Account) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[uuid.UUID]models.Account)}
	for _, acc := range accounts {
		d.Set(acc)
	}
	return d
}

func (d *StaticDirectory) Set(acc models.Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[acc.UserID] = acc
}

func (d *StaticDirectory) Account(_ context.Context, userID uuid.UUID) (*models.Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[userID]
	if !ok {
		return &models.Account{UserID: userID, Tier: domain.TierStandard}, nil
	}
	return &acc, nil
}
