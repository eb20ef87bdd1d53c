package gateway

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"signalrouter/internal/store"
	"signalrouter/pkg/exchange/binance/futures"
	"signalrouter/pkg/exchange/binance/spot"
	"signalrouter/pkg/exchange/bithumb"
	"signalrouter/pkg/exchange/bybit/shared"
	bybitlinear "signalrouter/pkg/exchange/bybit/linear"
	bybitspot "signalrouter/pkg/exchange/bybit/spot"
	"signalrouter/pkg/exchange/common"
	"signalrouter/pkg/exchange/upbit"
)

// Factory creates a common.Gateway instance from a decrypted Account
// credential set, generalizing the teacher's DefaultFactory/TestnetFactory
// switch-on-exchange-type shape (internal/gateway/factory.go) from three
// Binance contract variants to all six adapters this module carries.
type Factory func(account store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error)

// DefaultFactory is NewDefaultFactory(nil) -- every adapter's rate
// limiter stays in-process. Kept as a plain Factory value for callers
// (and tests) that don't care about distributed rate limiting.
var DefaultFactory Factory = NewDefaultFactory(nil)

// NewDefaultFactory builds the stock factory wired into cmd/signalrouter,
// switching on Account.Exchange exactly as the teacher's DefaultFactory
// switched on Connection.ExchangeType -- one case per supported variant,
// an explicit error for anything else rather than a silent nil Gateway.
// redisClient, when non-nil, is threaded into every adapter's Config so
// its rate limiter draws from a bucket shared across every process
// trading that variant (see pkg/exchange/common.NewLimiter) instead of
// one scoped to this process alone.
func NewDefaultFactory(redisClient *redis.Client) Factory {
	return func(account store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error) {
		switch account.Exchange {
		case "BINANCE_SPOT":
			return spot.New(spot.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: account.IsTestnet, RedisClient: redisClient}), nil
		case "BINANCE_FUTURES":
			return futures.New(futures.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: account.IsTestnet, RedisClient: redisClient}), nil
		case "BYBIT_SPOT":
			return bybitspot.New(shared.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: account.IsTestnet, RedisClient: redisClient}), nil
		case "BYBIT_LINEAR":
			return bybitlinear.New(shared.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: account.IsTestnet, RedisClient: redisClient}), nil
		case "UPBIT":
			return upbit.New(upbit.Config{AccessKey: apiKey, SecretKey: apiSecret, RedisClient: redisClient}), nil
		case "BITHUMB":
			return bithumb.New(bithumb.Config{ConnectionKey: apiKey, SecretKey: apiSecret, RedisClient: redisClient}), nil
		default:
			return nil, fmt.Errorf("unsupported exchange: %s", account.Exchange)
		}
	}
}
