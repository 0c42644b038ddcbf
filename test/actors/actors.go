// Package actors drives the lifecycle services concurrently for the stress test.
// Actors only stop on cancellation; expected business failures and errors
// from backends killed by chaos are counted, not returned.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/conversion"
	"dealflow/lifecycle"
	"dealflow/quote"
	"dealflow/tenant"
	"dealflow/totals"
)

// Stats tallies outcomes across all actors.
type Stats struct {
	Sent       atomic.Int64
	Accepted   atomic.Int64
	Rejected   atomic.Int64
	Converted  atomic.Int64
	Replayed   atomic.Int64
	Activated  atomic.Int64
	Terminated atomic.Int64
	Refused    atomic.Int64
	Internal   atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("sent=%d accepted=%d rejected=%d converted=%d replayed=%d activated=%d terminated=%d refused=%d internal=%d",
		s.Sent.Load(), s.Accepted.Load(), s.Rejected.Load(), s.Converted.Load(), s.Replayed.Load(),
		s.Activated.Load(), s.Terminated.Load(), s.Refused.Load(), s.Internal.Load())
}

// record classifies err and reports whether the call succeeded.
func (s *Stats) record(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case apperr.KindOf(err) == apperr.KindInternal:
		s.Internal.Add(1)
	default:
		s.Refused.Add(1)
	}
	return false
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Producer creates and sends short-lived quotes and hands them to deciders.
func Producer(ctx context.Context, quotes *quote.Service, scope tenant.Scope, out chan<- quote.Quote, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		q, err := quotes.Create(ctx, scope, quote.CreateParams{
			Title: "stress",
			Items: []quote.ItemParams{{
				Name:      "Seat",
				Type:      totals.ItemOneTime,
				UnitPrice: decimal.NewFromInt(int64(10 + rand.Intn(90))),
				Quantity:  decimal.NewFromInt(int64(1 + rand.Intn(5))),
			}},
		})
		if !stats.record(err) {
			jitter(10, 20)
			continue
		}
		validUntil := time.Now().Add(time.Duration(1000+rand.Intn(2000)) * time.Millisecond)
		q, err = quotes.Send(ctx, scope, q.ID, quote.SendParams{ValidUntil: &validUntil})
		if !stats.record(err) {
			continue
		}
		stats.Sent.Add(1)

		select {
		case out <- q:
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		}
		jitter(5, 15)
	}
	return ctx.Err()
}

// Decider races view, accept and reject on each quote's public token, then
// races two conversions with distinct keys plus a replay of the first key.
func Decider(ctx context.Context, quotes *quote.Service, conv *conversion.Orchestrator, scope tenant.Scope, in <-chan quote.Quote, stats *Stats, stop <-chan struct{}) error {
	for {
		var q quote.Quote
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case q = <-in:
		}

		// Some quotes are left alone so the sweeper gets to expire them.
		if rand.Intn(4) == 0 {
			continue
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := quotes.View(ctx, q.PublicToken, quote.ViewParams{IP: "198.51.100.1"})
			stats.record(err)
		}()
		go func() {
			defer wg.Done()
			_, err := quotes.PublicAccept(ctx, q.PublicToken, quote.AcceptParams{Name: "Ada", Email: "ada@example.com"})
			if stats.record(err) {
				stats.Accepted.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			jitter(0, 5)
			_, err := quotes.PublicReject(ctx, q.PublicToken, quote.RejectParams{Reason: "budget"})
			if stats.record(err) {
				stats.Rejected.Add(1)
			}
		}()
		wg.Wait()

		keys := []string{q.ID + ":a", q.ID + ":b", q.ID + ":a"}
		wg.Add(len(keys))
		for _, key := range keys {
			go func() {
				defer wg.Done()
				res, err := conv.ConvertQuoteToOrder(ctx, scope, q.ID, conversion.QuoteToOrderParams{
					IdempotencyKey: key,
					OrderType:      lifecycle.OrderTypeNew,
				})
				if !stats.record(err) {
					return
				}
				if res.Replayed {
					stats.Replayed.Add(1)
				} else {
					stats.Converted.Add(1)
				}
			}()
		}
		wg.Wait()
	}
}

// Signer creates agreements, submits them and races both signatures against
// a termination.
func Signer(ctx context.Context, agreements *agreement.Service, scope tenant.Scope, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		a, err := agreements.Create(ctx, scope, agreement.CreateParams{
			Title: "Master services",
			Type:  lifecycle.AgreementMSA,
		})
		if !stats.record(err) {
			jitter(10, 20)
			continue
		}
		if _, err := agreements.SubmitForSignature(ctx, scope, a.ID); !stats.record(err) {
			continue
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := agreements.RecordClientSignature(ctx, scope, a.ID, agreement.ClientSignatureParams{
				Name:           "Ada",
				Email:          "ada@example.com",
				IdempotencyKey: "client:" + a.ID,
			})
			stats.record(err)
		}()
		go func() {
			defer wg.Done()
			signed, err := agreements.RecordProviderSignature(ctx, scope, a.ID, agreement.ProviderSignatureParams{
				SignatoryID: "op-stress",
				Name:        "Grace",
			})
			if stats.record(err) && signed.Status == lifecycle.AgreementActive {
				stats.Activated.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if rand.Intn(3) != 0 {
				return
			}
			jitter(0, 10)
			_, err := agreements.Terminate(ctx, scope, a.ID, "withdrawn")
			if stats.record(err) {
				stats.Terminated.Add(1)
			}
		}()
		wg.Wait()
		jitter(10, 30)
	}
	return ctx.Err()
}
