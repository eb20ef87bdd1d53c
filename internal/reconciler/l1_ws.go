package reconciler

import (
	"context"
	"log"
	"time"

	"signalrouter/internal/store"
)

// runL1 holds one private WS subscription open per active account,
// reconnecting with exponential backoff (0.5s -> 30s cap, ±10% jitter) on
// any drop -- directly grounded on user_stream_spot.go's
// SpotUserStream.Start reconnect-and-reader-goroutine shape, generalized
// from "one hardcoded Binance Spot stream" to "one stream per account,
// whatever exchange it's on".
func (r *Reconciler) runL1(ctx context.Context) {
	accounts, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("❌ reconciler L1: list active accounts: %v", err)
		return
	}
	for _, acct := range accounts {
		go r.runL1ForAccount(ctx, acct)
	}
}

func (r *Reconciler) runL1ForAccount(ctx context.Context, account store.Account) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		gw, err := r.gateways.GatewayFor(ctx, account)
		if err != nil {
			log.Printf("⚠️ reconciler L1: no gateway for account %s: %v", account.ID, err)
			r.sleepBackoff(ctx, &attempt)
			continue
		}

		log.Printf("🔄 reconciler L1: subscribing private feed for account %s", account.ID)
		err = gw.WSSubscribePrivateOrders(ctx, account, func(ev FillEvent) {
			r.feedInto(ctx, ev)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("❌ reconciler L1: private feed for account %s dropped: %v", account.ID, err)
		}
		r.sleepBackoff(ctx, &attempt)
	}
}

func (r *Reconciler) sleepBackoff(ctx context.Context, attempt *int) {
	delay := backoffWithJitter(*attempt, r.cfg.ReconnectMinDelay, r.cfg.ReconnectMaxDelay)
	*attempt++
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
