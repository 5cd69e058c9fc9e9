package shutdown

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Server blocks until ctx is done, then drains srv. In-flight requests get at
// most grace to finish.
func Server(ctx context.Context, srv *http.Server, grace time.Duration) error {
	<-ctx.Done()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return srv.Shutdown(drainCtx)
}
