package marketgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Poller pulls the index from an alternative.me style feed:
// {"data":[{"value":"25","value_classification":"Extreme Fear","timestamp":"1700000000"}]}
type Poller struct {
	URL      string
	Interval time.Duration
	Gate     *Gate
	HTTP     *http.Client
	Log      *zap.Logger
}

type feedResponse struct {
	Data []struct {
		Value string `json:"value"`
	} `json:"data"`
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.HTTP == nil {
		p.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if err := p.Poll(ctx); err != nil {
		p.Log.Warn("market gate poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.Log.Warn("market gate poll failed", zap.Error(err))
			}
		}
	}
}

// Poll fetches one observation and records it.
func (p *Poller) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed status %d", resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode feed: %w", err)
	}
	if len(body.Data) == 0 {
		return fmt.Errorf("feed returned no data")
	}

	value, err := strconv.Atoi(body.Data[0].Value)
	if err != nil {
		return fmt.Errorf("parse value %q: %w", body.Data[0].Value, err)
	}
	// The feed timestamps its value per day; the fetch time is what proves
	// the value is still current.
	_, err = p.Gate.Update(ctx, value, time.Now(), "poller")
	return err
}
