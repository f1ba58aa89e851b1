// Package ledger holds the external collaborators of the registry: the payment ledger
// that moves balances between principals and the clock that supplies the current
// ledger height.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCreditOverflow    = errors.New("credit would overflow balance")
	ErrUnknownReceipt    = errors.New("unknown receipt")
)

// Leg is one credit of a multi-party payment.
type Leg struct {
	To     model.Principal `json:"to"`
	Amount uint64          `json:"amount"`
}

// Payment debits From by the sum of the legs and credits each leg. Legs with a zero
// amount are skipped.
type Payment struct {
	From model.Principal `json:"from"`
	Legs []Leg           `json:"legs"`
	Memo string          `json:"memo,omitempty"`
}

// Total returns the amount debited from the payer, or false if it overflows.
func (p Payment) Total() (uint64, bool) {
	var total uint64
	for _, l := range p.Legs {
		if total+l.Amount < total {
			return 0, false
		}
		total += l.Amount
	}
	return total, true
}

// Receipt identifies a cleared payment so it can be reversed.
type Receipt struct {
	ID      string  `json:"id"`
	Payment Payment `json:"payment"`
}

// Ledger is the all-or-nothing payment collaborator.
type Ledger interface {
	// Transfer3 applies every leg of p or none of them.
	Transfer3(ctx context.Context, p Payment) (Receipt, error)
	// Reverse undoes a previously cleared payment.
	Reverse(ctx context.Context, r Receipt) error
	// Balance returns the current balance of a principal. Unknown principals hold zero.
	Balance(ctx context.Context, principal model.Principal) (uint64, error)
	// Fund credits an external deposit to principal.
	Fund(ctx context.Context, principal model.Principal, amount uint64) error
}

// Clock supplies the monotonically increasing ledger height.
type Clock interface {
	Height(ctx context.Context) (uint64, error)
}

// AccessPayment builds the three-way payment for an access grant.
func AccessPayment(subscriber, deviceOwner, platform model.Principal, fee model.Fee, streamID string) Payment {
	return Payment{
		From: subscriber,
		Legs: []Leg{
			{To: deviceOwner, Amount: fee.BaseFee},
			{To: platform, Amount: fee.PlatformFee},
		},
		Memo: "access:" + streamID,
	}
}

func newReceiptID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
