package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/credential"
	"signal-engine/pkg/exchange"
)

// VenueFactory creates a venue client for one credential on one endpoint.
type VenueFactory func(baseURL string, recvWindow int64, cred *credential.Credential) exchange.Venue

// NewClientFactory returns a factory building v5 HTTP clients. Clients on the
// same endpoint share one HTTP transport and one clock offset, kept in sync
// until ctx is done.
func NewClientFactory(ctx context.Context, timeout time.Duration, log *zap.Logger) VenueFactory {
	if log == nil {
		log = zap.NewNop()
	}
	hc := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var mu sync.Mutex
	syncs := make(map[string]*exchange.TimeSync)
	clockFor := func(baseURL string) *exchange.TimeSync {
		mu.Lock()
		defer mu.Unlock()
		if ts, ok := syncs[baseURL]; ok {
			return ts
		}
		ts := exchange.NewTimeSync(func(ctx context.Context) (int64, error) {
			return exchange.ServerTime(ctx, hc, baseURL)
		}, log.With(zap.String("endpoint", baseURL)))
		ts.Start(ctx)
		syncs[baseURL] = ts
		return ts
	}

	return func(baseURL string, recvWindow int64, cred *credential.Credential) exchange.Venue {
		return exchange.NewClient(exchange.Config{
			BaseURL:    baseURL,
			APIKey:     cred.APIKey,
			APISecret:  cred.Secret,
			RecvWindow: recvWindow,
			Timeout:    timeout,
			TimeSync:   clockFor(baseURL),
			HTTPClient: hc,
		}, log.With(zap.String("endpoint", baseURL), zap.String("credential_id", cred.ID)))
	}
}
