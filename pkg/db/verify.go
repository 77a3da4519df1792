package db

import (
	"fmt"
	"strings"
)

// requiredTables must exist for the engine to start.
var requiredTables = []string{
	"users", "trader_accounts", "exchange_credentials", "signals", "signal_accounts",
	"orders", "positions", "closure_events", "capital_events", "affiliates", "referrals",
	"revenue_attributions", "commission_records", "market_gate_states", "intent_audit",
}

// requiredIndexes back invariants that are enforced by the database itself.
var requiredIndexes = map[string]string{
	"idx_positions_active":  "status IN ('OPEN', 'CLOSING')",
	"idx_credentials_owner": "is_pool = 0",
}

// VerifySchema reports every missing table or invariant index in one error.
func VerifySchema(d *Database) error {
	var missing []string
	for _, table := range requiredTables {
		var n int
		if err := d.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		if n == 0 {
			missing = append(missing, "table "+table)
		}
	}
	for index, predicate := range requiredIndexes {
		var def string
		err := d.DB.QueryRow(`SELECT COALESCE(sql, '') FROM sqlite_master WHERE type = 'index' AND name = ?`, index).Scan(&def)
		if err != nil || !strings.Contains(def, predicate) {
			missing = append(missing, "index "+index)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete: %s", strings.Join(missing, ", "))
	}
	return nil
}
