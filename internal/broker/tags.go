package broker

import (
	"fmt"
	"strings"

	"github.com/justtrades/engine/internal/model"
)

// Tag builds the engine's client-order tag: JT:{account_id}:{symbol}:
// {strategy_id}:{ROLE}:{seq}. The broker echoes this back on every order
// postback, letting the reconciler and exit FSM identify engine-placed
// orders without a side lookup table.
func Tag(accountID, symbol, strategyID string, role model.OrderRole, seq int) string {
	return fmt.Sprintf("JT:%s:%s:%s:%s:%d", accountID, symbol, strategyID, role, seq)
}

// ParseTag reverses Tag, returning ok=false for anything not in the
// engine's own format (e.g. an order a human placed manually at the
// broker).
func ParseTag(tag string) (accountID, symbol, strategyID string, role model.OrderRole, seq int, ok bool) {
	parts := strings.Split(tag, ":")
	if len(parts) != 6 || parts[0] != "JT" {
		return "", "", "", "", 0, false
	}
	var n int
	if _, err := fmt.Sscanf(parts[5], "%d", &n); err != nil {
		return "", "", "", "", 0, false
	}
	return parts[1], parts[2], parts[3], model.OrderRole(parts[4]), n, true
}
