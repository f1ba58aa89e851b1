package registry

import (
	"context"
	"errors"
	"fmt"

	errordefs "github.com/RegistryAccord/registryaccord-iot-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/fee"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// RequestStreamAccess charges subscriber for duration heights of read access to a
// stream and writes the grant, replacing any earlier grant for the same pair.
//
// The payment is the last step inside the transaction: if it fails nothing is written,
// and if the commit fails after the payment cleared the payment is reversed.
func (r *Registry) RequestStreamAccess(ctx context.Context, subscriber model.Principal, streamID string, duration uint64) (_ *model.AccessGrant, err error) {
	ctx, done := r.begin(ctx, "RequestStreamAccess",
		attribute.String("stream.id", streamID),
		attribute.Int64("access.duration", int64(min(duration, 1<<62))))
	defer func() { done(err) }()

	if err := requireCaller(subscriber); err != nil {
		return nil, err
	}

	// The policy may call out to the identity service, so it runs on a plain read
	// before the transaction takes the store lock.
	verified, err := r.verify(ctx, r.store, subscriber, streamID)
	if err != nil {
		return nil, err
	}

	var (
		grant   model.AccessGrant
		receipt *ledger.Receipt
	)
	err = r.inTx(ctx, func(tx storage.Tx) error {
		stream, device, err := loadAccessTarget(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if stream.RequiresVerification && !verified {
			return errordefs.New(errordefs.IOT_VERIFICATION_REQUIRED, "stream requires verification", "")
		}

		params, err := tx.GetParams(ctx)
		if err != nil {
			return fmt.Errorf("failed to read global params: %w", err)
		}
		charge, err := fee.Calculate(stream.PricePerAccess, duration, params.PlatformFeeRateBPS)
		if err != nil {
			return err
		}
		height, err := r.Height(ctx)
		if err != nil {
			return err
		}
		expiry := height + duration
		if expiry < height {
			return errordefs.New(errordefs.IOT_VALIDATION, "access duration overflows ledger height", "")
		}

		stream.AccessCount++
		if err := tx.UpdateStream(ctx, *stream); err != nil {
			return err
		}

		payment := ledger.AccessPayment(subscriber, device.Owner, params.ContractOwner, charge, stream.ID)
		rc, err := r.ledger.Transfer3(ctx, payment)
		if err != nil {
			r.metrics.ObservePaymentFailure(paymentFailureReason(err))
			return errordefs.Wrap(errordefs.IOT_PAYMENT_FAILED, "payment failed", err)
		}
		receipt = &rc

		grant = model.AccessGrant{
			Subscriber:    subscriber,
			StreamID:      stream.ID,
			GrantedBy:     device.Owner,
			AccessType:    model.AccessTypeRead,
			PaymentStatus: true,
			GrantedAt:     height,
			Expiry:        expiry,
			Fee:           charge,
			ReceiptID:     rc.ID,
		}
		return tx.PutGrant(ctx, grant)
	})
	if err != nil {
		if receipt != nil {
			// The store rejected the commit after money moved; undo the payment.
			if rerr := r.ledger.Reverse(context.WithoutCancel(ctx), *receipt); rerr != nil {
				r.log.ErrorContext(ctx, "failed to reverse payment after aborted access grant",
					"receiptId", receipt.ID, "subscriber", subscriber, "streamId", streamID, "error", rerr)
			}
		}
		return nil, err
	}

	r.metrics.ObservePayment(grant.Fee.BaseFee, grant.Fee.PlatformFee)
	r.log.InfoContext(ctx, "access granted",
		"subscriber", subscriber,
		"streamId", streamID,
		"expiry", grant.Expiry,
		"totalFee", grant.Fee.TotalFee,
		"receiptId", grant.ReceiptID)
	r.publish(ctx, event.TypeAccessGranted, func(ctx context.Context) error {
		return r.events.PublishAccessGranted(ctx, grant)
	})
	return &grant, nil
}

// verify checks the stream's access preconditions in order and reports whether the
// verification policy accepted subscriber. Streams that do not require verification
// are always accepted.
func (r *Registry) verify(ctx context.Context, rd storage.Reader, subscriber model.Principal, streamID string) (bool, error) {
	stream, device, err := loadAccessTarget(ctx, rd, streamID)
	if err != nil {
		return false, err
	}
	if !stream.RequiresVerification {
		return true, nil
	}
	ok, err := r.policy.Allow(ctx, VerificationCheck{Subscriber: subscriber, Stream: *stream, Device: *device})
	if err != nil {
		return false, fmt.Errorf("verification policy failed: %w", err)
	}
	if !ok {
		return false, errordefs.New(errordefs.IOT_VERIFICATION_REQUIRED, "stream requires verification", "")
	}
	return true, nil
}

// loadAccessTarget returns an active stream and its device.
func loadAccessTarget(ctx context.Context, rd storage.Reader, streamID string) (*model.Stream, *model.Device, error) {
	stream, err := rd.GetStream(ctx, streamID)
	if err != nil {
		return nil, nil, notFoundAs(err, errordefs.ErrStreamNotFound, "stream not found")
	}
	if !stream.Active {
		return nil, nil, errordefs.New(errordefs.IOT_INACTIVE_STREAM, "stream is not active", "")
	}
	device, err := rd.GetDevice(ctx, stream.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device %s of stream %s: %w", stream.DeviceID, stream.ID, err)
	}
	return stream, device, nil
}

// GetAccessGrant returns the stored grant or IOT_NOT_FOUND. Expired grants are still
// returned; compare Expiry with the current height to decide validity.
func (r *Registry) GetAccessGrant(ctx context.Context, subscriber model.Principal, streamID string) (*model.AccessGrant, error) {
	g, err := r.store.GetGrant(ctx, subscriber, streamID)
	if err != nil {
		return nil, absent(err, "access grant")
	}
	return g, nil
}

// GetGrantView returns the grant together with whether it is active at the current
// height.
func (r *Registry) GetGrantView(ctx context.Context, subscriber model.Principal, streamID string) (*model.GrantView, error) {
	g, err := r.GetAccessGrant(ctx, subscriber, streamID)
	if err != nil {
		return nil, err
	}
	h, err := r.Height(ctx)
	if err != nil {
		return nil, err
	}
	return &model.GrantView{AccessGrant: *g, CurrentHeight: h, Active: g.ActiveAt(h)}, nil
}

// HasActiveAccess reports whether subscriber holds a paid, unexpired grant.
func (r *Registry) HasActiveAccess(ctx context.Context, subscriber model.Principal, streamID string) (bool, error) {
	v, err := r.GetGrantView(ctx, subscriber, streamID)
	if errors.Is(err, errordefs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Active, nil
}

func paymentFailureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrCreditOverflow):
		return "credit_overflow"
	default:
		return "error"
	}
}
