package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps balances in the ledger_accounts table. Each payment runs in one
// database transaction, so either every leg is written or none is.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates the ledger tables on pool if needed.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger_accounts (
		    principal TEXT PRIMARY KEY,
		    balance BIGINT NOT NULL CHECK (balance >= 0)
		);
		CREATE TABLE IF NOT EXISTS ledger_receipts (
		    receipt_id TEXT PRIMARY KEY,
		    payment JSONB NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Fund credits amount to principal.
func (p *Postgres) Fund(ctx context.Context, principal model.Principal, amount uint64) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		return credit(ctx, tx, principal, amount)
	})
}

func (p *Postgres) Balance(ctx context.Context, principal model.Principal) (uint64, error) {
	var bal int64
	err := p.db.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE principal = $1`, string(principal)).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return uint64(bal), nil
}

func (p *Postgres) Transfer3(ctx context.Context, payment Payment) (Receipt, error) {
	total, ok := payment.Total()
	if !ok {
		return Receipt{}, ErrCreditOverflow
	}
	r := Receipt{ID: newReceiptID(), Payment: payment}
	body, err := json.Marshal(payment)
	if err != nil {
		return Receipt{}, err
	}

	err = pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, payment.From, total); err != nil {
			return err
		}
		for _, l := range payment.Legs {
			if l.Amount == 0 {
				continue
			}
			if err := credit(ctx, tx, l.To, l.Amount); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO ledger_receipts (receipt_id, payment) VALUES ($1, $2)`, r.ID, body)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (p *Postgres) Reverse(ctx context.Context, r Receipt) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		var body []byte
		err := tx.QueryRow(ctx, `DELETE FROM ledger_receipts WHERE receipt_id = $1 RETURNING payment`, r.ID).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUnknownReceipt
		}
		if err != nil {
			return fmt.Errorf("failed to load receipt: %w", err)
		}
		var payment Payment
		if err := json.Unmarshal(body, &payment); err != nil {
			return fmt.Errorf("corrupt receipt %s: %w", r.ID, err)
		}
		total, _ := payment.Total()
		for _, l := range payment.Legs {
			if l.Amount == 0 {
				continue
			}
			if err := debit(ctx, tx, l.To, l.Amount); err != nil {
				return err
			}
		}
		return credit(ctx, tx, payment.From, total)
	})
}

// debit subtracts amount only if the balance covers it.
func debit(ctx context.Context, tx pgx.Tx, principal model.Principal, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 {
		return ErrInsufficientFunds
	}
	tag, err := tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = balance - $2 WHERE principal = $1 AND balance >= $2`,
		string(principal), int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", principal, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// credit adds amount, refusing to push the balance past the BIGINT range.
func credit(ctx context.Context, tx pgx.Tx, principal model.Principal, amount uint64) error {
	if amount > math.MaxInt64 {
		return ErrCreditOverflow
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_accounts (principal, balance) VALUES ($1, $2)
		 ON CONFLICT (principal) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance
		 WHERE ledger_accounts.balance <= $3 - EXCLUDED.balance`,
		string(principal), int64(amount), int64(math.MaxInt64))
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", principal, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCreditOverflow
	}
	return nil
}
