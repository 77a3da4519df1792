package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-engine/pkg/db"
)

// Payload is the webhook body. Price and time accept several encodings
// because alert sources differ.
type Payload struct {
	ID       string          `json:"id" validate:"omitempty,max=128"`
	Symbol   string          `json:"symbol" validate:"required,max=64"`
	Action   string          `json:"action" validate:"required,max=32"`
	Price    json.RawMessage `json:"price" validate:"required"`
	Time     json.RawMessage `json:"time" validate:"required"`
	Strategy string          `json:"strategy" validate:"omitempty,max=64"`
	Exchange string          `json:"exchange" validate:"omitempty,max=32"`
}

type vocabEntry struct {
	direction db.Direction
	strength  db.Strength
}

// vocabulary maps alert actions onto direction and strength. Anything not
// listed is rejected.
var vocabulary = map[string]vocabEntry{
	"BUY":          {db.DirectionLong, db.StrengthNormal},
	"LONG":         {db.DirectionLong, db.StrengthNormal},
	"STRONG_BUY":   {db.DirectionLong, db.StrengthStrong},
	"STRONG_LONG":  {db.DirectionLong, db.StrengthStrong},
	"SELL":         {db.DirectionShort, db.StrengthNormal},
	"SHORT":        {db.DirectionShort, db.StrengthNormal},
	"STRONG_SELL":  {db.DirectionShort, db.StrengthStrong},
	"STRONG_SHORT": {db.DirectionShort, db.StrengthStrong},
	"CLOSE":        {db.DirectionClose, db.StrengthNormal},
	"EXIT":         {db.DirectionClose, db.StrengthNormal},
	"CLOSE_LONG":   {db.DirectionClose, db.StrengthNormal},
	"CLOSE_SHORT":  {db.DirectionClose, db.StrengthNormal},
	"FLAT":         {db.DirectionClose, db.StrengthNormal},
}

func normalizeAction(action string) (string, vocabEntry, bool) {
	a := strings.ToUpper(strings.TrimSpace(action))
	a = strings.NewReplacer(" ", "_", "-", "_").Replace(a)
	e, ok := vocabulary[a]
	return a, e, ok
}

// normalizeSymbol turns "BYBIT:btcusdt.P" into "BTCUSDT".
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".P")
	return s
}

// parsePrice accepts a JSON number or a numeric string.
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, fmt.Errorf("price is null")
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("price: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("price must be positive")
	}
	return d, nil
}

// parseTime accepts unix seconds, unix milliseconds (number or string) and RFC3339.
func parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	var text string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, fmt.Errorf("time: %w", err)
		}
	} else {
		text = string(raw)
	}
	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return time.Time{}, fmt.Errorf("time is empty")
	}

	if n, err := strconv.ParseFloat(text, 64); err == nil {
		if n <= 0 {
			return time.Time{}, fmt.Errorf("time must be positive")
		}
		if n >= 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("time %q: unsupported format", text)
}
