package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"cashrail/native/delivery"
)

// FlushRequest carries the session identity a flush runs under.
type FlushRequest struct {
	Owner      string
	SelfPubKey string
	Seed       []byte
}

// FlushReport summarises one pass over the offline queue.
type FlushReport struct {
	Attempted int
	Resolved  int
	Dropped   int
	Remaining int
}

// Queue retries queued payments and undelivered payloads. Flushes are
// serialized so a retry never races another flush for the same owner.
type Queue struct {
	router *Router
	mu     sync.Mutex
}

// NewQueue returns the offline queue backed by the router's pending store.
func NewQueue(router *Router) *Queue {
	return &Queue{router: router}
}

// Pending lists queued records for owner, oldest first.
func (q *Queue) Pending(ctx context.Context, owner string) ([]PendingPayment, error) {
	items, err := q.router.pending.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("payments: list pending: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// Flush retries every queued record for the owner. It is a no-op while the
// router is offline.
func (q *Queue) Flush(ctx context.Context, req FlushRequest) (FlushReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var report FlushReport
	if !q.router.Online() {
		items, err := q.Pending(ctx, req.Owner)
		report.Remaining = len(items)
		return report, err
	}
	items, err := q.Pending(ctx, req.Owner)
	if err != nil {
		return report, err
	}
	r := q.router
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			break
		}
		report.Attempted++
		var (
			resolved bool
			drop     bool
		)
		if item.Kind == PendingPaymentAttempt {
			resolved, drop = q.retryPayment(ctx, req, item)
		} else {
			resolved = q.retryPayload(ctx, req, &item)
		}
		switch {
		case resolved || drop:
			if err := r.pending.Delete(ctx, item.Owner, item.ID); err != nil {
				return report, fmt.Errorf("payments: delete pending %s: %w", item.ID, err)
			}
			if resolved {
				report.Resolved++
			} else {
				report.Dropped++
			}
		default:
			item.Attempts++
			if err := r.pending.Put(ctx, item); err != nil {
				return report, fmt.Errorf("payments: update pending %s: %w", item.ID, err)
			}
		}
	}
	remaining, err := r.pending.List(ctx, req.Owner)
	if err != nil {
		return report, fmt.Errorf("payments: list pending: %w", err)
	}
	report.Remaining = len(remaining)
	r.metrics.SetOfflineQueue(report.Remaining)
	if report.Attempted > 0 {
		r.logger.Info("wallet/payments: offline queue flushed",
			slog.String("owner", req.Owner),
			slog.Int("attempted", report.Attempted),
			slog.Int("resolved", report.Resolved),
			slog.Int("remaining", report.Remaining))
	}
	return report, nil
}

// retryPayment reruns a payment queued before it started. Transient
// failures keep it queued; definitive ones drop it since no funds moved.
func (q *Queue) retryPayment(ctx context.Context, req FlushRequest, item PendingPayment) (resolved, drop bool) {
	res, err := q.router.execute(ctx, PayRequest{
		Owner:         item.Owner,
		SelfPubKey:    req.SelfPubKey,
		ContactID:     item.ContactID,
		ContactPubKey: item.ContactPubKey,
		Amount:        item.AmountSat,
		Unit:          item.Unit,
		AllowPromise:  item.AllowPromise,
		PreferredMint: item.PreferredMint,
		Seed:          req.Seed,
	})
	if err != nil {
		if retryable(err) {
			return false, false
		}
		q.router.logger.Warn("wallet/payments: queued payment abandoned",
			slog.String("pending_id", item.ID), slog.Any("error", err))
		return false, true
	}
	// Undelivered payloads were requeued under their own records.
	q.router.logger.Info("wallet/payments: queued payment executed",
		slog.String("pending_id", item.ID), slog.String("outcome", string(res.Status)))
	return true, false
}

// retryPayload republishes one undelivered payload and applies its local
// effect once delivered.
func (q *Queue) retryPayload(ctx context.Context, req FlushRequest, item *PendingPayment) bool {
	r := q.router
	var (
		out delivery.Result
		err error
	)
	if item.MessageIDRef != "" {
		out, err = r.sender.Resend(ctx, item.Owner, item.MessageIDRef, req.SelfPubKey, item.ContactPubKey)
	} else {
		out, err = r.sender.Send(ctx, delivery.Outgoing{
			Owner:         item.Owner,
			SelfPubKey:    req.SelfPubKey,
			ContactID:     item.ContactID,
			ContactPubKey: item.ContactPubKey,
			Content:       item.Content,
		})
		if out.Message.ID != "" {
			item.MessageIDRef = out.Message.ID
		}
	}
	if err != nil || !out.Delivered {
		r.logger.Info("wallet/payments: queued payload still undelivered",
			slog.String("pending_id", item.ID), slog.Any("error", err))
		return false
	}
	r.settle(ctx, item.Owner, payload{
		kind:      item.Kind,
		amount:    item.AmountSat,
		tokenID:   item.TokenID,
		promiseID: item.PromiseID,
		settledAt: item.SettledAt,
	})
	return true
}
