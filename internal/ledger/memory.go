package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
)

// Memory is an in-process ledger and clock for development and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[model.Principal]uint64
	receipts map[string]Receipt
	height   uint64
}

// NewMemory returns an empty ledger at height 0.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[model.Principal]uint64),
		receipts: make(map[string]Receipt),
	}
}

// Fund credits amount to principal.
func (m *Memory) Fund(ctx context.Context, principal model.Principal, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[principal]
	if bal+amount < bal {
		return ErrCreditOverflow
	}
	m.balances[principal] = bal + amount
	return nil
}

// Advance moves the clock forward by n heights.
func (m *Memory) Advance(n uint64) {
	m.mu.Lock()
	m.height += n
	m.mu.Unlock()
}

func (m *Memory) Height(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

func (m *Memory) Balance(ctx context.Context, principal model.Principal) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal], nil
}

func (m *Memory) Transfer3(ctx context.Context, p Payment) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.apply(p.From, p.Legs, false); err != nil {
		return Receipt{}, err
	}
	r := Receipt{ID: newReceiptID(), Payment: p}
	m.receipts[r.ID] = r
	return r, nil
}

func (m *Memory) Reverse(ctx context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.receipts[r.ID]
	if !ok {
		return ErrUnknownReceipt
	}
	if err := m.apply(stored.Payment.From, stored.Payment.Legs, true); err != nil {
		return fmt.Errorf("reverse %s: %w", r.ID, err)
	}
	delete(m.receipts, r.ID)
	return nil
}

// apply validates every balance change on a scratch copy before touching the real
// balances. With reverse set, the legs are debited and the payer credited.
func (m *Memory) apply(payer model.Principal, legs []Leg, reverse bool) error {
	total, ok := Payment{Legs: legs}.Total()
	if !ok {
		return ErrCreditOverflow
	}

	next := make(map[model.Principal]uint64, len(legs)+1)
	get := func(p model.Principal) uint64 {
		if v, ok := next[p]; ok {
			return v
		}
		return m.balances[p]
	}
	debit := func(p model.Principal, amt uint64) error {
		bal := get(p)
		if bal < amt {
			return ErrInsufficientFunds
		}
		next[p] = bal - amt
		return nil
	}
	credit := func(p model.Principal, amt uint64) error {
		bal := get(p)
		if bal+amt < bal {
			return ErrCreditOverflow
		}
		next[p] = bal + amt
		return nil
	}

	if !reverse {
		if err := debit(payer, total); err != nil {
			return err
		}
	}
	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		var err error
		if reverse {
			err = debit(l.To, l.Amount)
		} else {
			err = credit(l.To, l.Amount)
		}
		if err != nil {
			return err
		}
	}
	if reverse {
		if err := credit(payer, total); err != nil {
			return err
		}
	}

	for p, v := range next {
		m.balances[p] = v
	}
	return nil
}
