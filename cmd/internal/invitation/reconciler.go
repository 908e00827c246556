package invitation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const defaultReconcileBatch = 100

// Reconciler periodically runs Service.Recover over partially accepted
// invitations that have not changed for a grace period, so a partial accept
// converges even if nobody retries it.
type Reconciler struct {
	svc      *Service
	log      *slog.Logger
	interval time.Duration
	grace    time.Duration
	batch    int
}

// NewReconciler constructs a Reconciler.
func NewReconciler(svc *Service, log *slog.Logger, interval, grace time.Duration) (*Reconciler, error) {
	if svc == nil {
		return nil, errors.New("invitation: reconciler requires a service")
	}
	if interval <= 0 {
		return nil, errors.New("invitation: reconcile interval must be > 0")
	}
	if grace < 0 {
		grace = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{svc: svc, log: log, interval: interval, grace: grace, batch: defaultReconcileBatch}, nil
}

// RunOnce makes one pass and returns how many invitations were recovered.
// A failure on one invitation is logged and does not stop the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.svc.now().Add(-r.grace)
	stalled, err := r.svc.store.ListStalled(ctx, cutoff, r.batch)
	if err != nil {
		return 0, storeErr("invitation.Reconcile", err)
	}

	n := 0
	for _, inv := range stalled {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, ok, err := r.svc.Recover(ctx, inv.ID)
		if err != nil {
			r.log.WarnContext(ctx, "invitation.reconcile.fail", "invitation_id", inv.ID, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.log.Info("invitation.reconcile.start", "interval", r.interval.String(), "grace", r.grace.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("invitation.reconcile.stop")
			return
		case <-t.C:
			n, err := r.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("invitation.reconcile.pass_fail", "err", err)
				continue
			}
			if n > 0 {
				r.log.Info("invitation.reconcile.pass", "recovered", n)
			}
		}
	}
}
