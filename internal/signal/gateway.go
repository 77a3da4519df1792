// Package signal authenticates and normalizes inbound alerts into stored signals.
package signal

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

var (
	ErrBadToken      = errors.New("invalid webhook token")
	ErrMalformed     = errors.New("malformed signal payload")
	ErrUnknownAction = errors.New("unknown signal action")
	ErrStale         = errors.New("signal older than freshness window")
	// ErrDuplicate is returned together with the signal already stored.
	ErrDuplicate = errors.New("duplicate signal")
)

// Gateway turns raw webhook bodies into persisted signals.
type Gateway struct {
	db       *db.Database
	token    string
	ttl      time.Duration
	validate *validator.Validate
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time
}

// NewGateway creates a gateway accepting token; ttl defaults to 120s.
func NewGateway(database *db.Database, token string, ttl time.Duration, bus *events.Bus, log *zap.Logger) *Gateway {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &Gateway{
		db:       database,
		token:    token,
		ttl:      ttl,
		validate: validator.New(),
		bus:      bus,
		log:      logger.Or(log, "signal"),
		now:      time.Now,
	}
}

// Ingest authenticates, validates and stores a signal. On ErrDuplicate the
// previously stored signal is returned alongside the error.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, token string) (*db.Signal, error) {
	receivedAt := g.now().UTC()

	if g.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		return nil, ErrBadToken
	}

	sig, err := g.parse(raw, receivedAt)
	if err != nil {
		g.log.Info("signal rejected", zap.Error(err))
		return nil, err
	}

	if err := g.db.InsertSignal(ctx, *sig); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			existing, gerr := g.db.GetSignalByKey(ctx, sig.IdempotencyKey)
			if gerr != nil {
				return nil, gerr
			}
			g.log.Info("duplicate signal",
				zap.String("signal_id", existing.ID), zap.String("idempotency_key", sig.IdempotencyKey))
			return existing, ErrDuplicate
		}
		return nil, err
	}

	g.log.Info("signal accepted",
		zap.String("signal_id", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("strength", string(sig.Strength)),
		zap.Duration("lag", receivedAt.Sub(sig.SignalTime)))
	if g.bus != nil {
		g.bus.Publish(events.EventSignalAccepted, *sig)
	}
	return sig, nil
}

func (g *Gateway) parse(raw []byte, receivedAt time.Time) (*db.Signal, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := g.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, describeValidation(err))
	}

	symbol := normalizeSymbol(p.Symbol)
	if err := g.validate.Var(symbol, "required,alphanum,min=2,max=32"); err != nil {
		return nil, fmt.Errorf("%w: symbol %q", ErrMalformed, p.Symbol)
	}
	action, vocab, ok := normalizeAction(p.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}
	price, err := parsePrice(p.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	signalTime, err := parseTime(p.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	lag := receivedAt.Sub(signalTime)
	if lag > g.ttl {
		return nil, fmt.Errorf("%w: %s old", ErrStale, lag.Truncate(time.Second))
	}
	if -lag > g.ttl {
		return nil, fmt.Errorf("%w: time is %s in the future", ErrMalformed, (-lag).Truncate(time.Second))
	}

	sourceID := strings.TrimSpace(p.ID)
	if sourceID == "" {
		sourceID = fingerprint(symbol, signalTime, action)
	}

	return &db.Signal{
		ID:             uuid.NewString(),
		IdempotencyKey: IdempotencyKey(sourceID, signalTime),
		SourceID:       sourceID,
		Symbol:         symbol,
		Action:         action,
		Direction:      vocab.direction,
		Strength:       vocab.strength,
		Price:          price,
		Strategy:       p.Strategy,
		Exchange:       strings.ToLower(p.Exchange),
		SignalTime:     signalTime,
		ReceivedAt:     receivedAt,
	}, nil
}

// IdempotencyKey is the source id plus the minute bucket of the signal's own
// time, so a retransmit received in the next minute still collides.
func IdempotencyKey(sourceID string, signalTime time.Time) string {
	return sourceID + ":" + signalTime.UTC().Truncate(time.Minute).Format("200601021504")
}

func fingerprint(symbol string, t time.Time, action string) string {
	sum := sha256.Sum256([]byte(symbol + "|" + strconv.FormatInt(t.UnixMilli(), 10) + "|" + action))
	return hex.EncodeToString(sum[:16])
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return strings.Join(fields, ", ")
}
