package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// Notifier logs and keeps every notification; used when no broker is wired.
type Notifier struct {
	log  *slog.Logger
	mu   sync.Mutex
	used []domain.CouponUsed
}

func NewNotifier(log *slog.Logger) *Notifier {
	return &Notifier{log: log}
}

func (n *Notifier) CouponUsed(ctx context.Context, ev domain.CouponUsed) error {
	n.mu.Lock()
	n.used = append(n.used, ev)
	n.mu.Unlock()
	n.log.Info("coupon used", "coupon_id", ev.CouponID, "order_id", ev.OrderID, "discount", ev.DiscountAmount.String())
	return nil
}

func (n *Notifier) Used() []domain.CouponUsed {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.CouponUsed(nil), n.used...)
}
