// Package model defines the shared domain types used across the engine.
// Recorder, Trader and BrokerAccount are owned by the account/UI collaborator
// (§6) and treated as read-only lookups here; Signal, VirtualPosition and
// BrokerOrder are owned by the core and persisted in internal/store.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or signal action.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideFlat  Side = "FLAT"
)

// Action is the canonical signal action derived by the intake parser.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// Environment selects which broker REST base an account talks to. Positions
// and orders are only visible at the base matching the account's
// environment — see the routing invariant in internal/broker.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// OrderRole distinguishes the three roles an engine-placed order can have.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleTP    OrderRole = "TP"
	RoleSL    OrderRole = "SL"
)

// OrderStatus mirrors the broker's order lifecycle. The broker is
// authoritative for transitions; the engine only persists a projection.
type OrderStatus string

const (
	OrderWorking    OrderStatus = "WORKING"
	OrderNew        OrderStatus = "NEW"
	OrderPendingNew OrderStatus = "PENDINGNEW"
	OrderFilled     OrderStatus = "FILLED"
	OrderCanceled   OrderStatus = "CANCELED"
	OrderRejected   OrderStatus = "REJECTED"
	OrderExpired    OrderStatus = "EXPIRED"
)

// IsTerminal reports whether status is a terminal (non-working) state.
// The broker has been observed to spell "Canceled" both ways; comparison
// here is case-insensitive and "working-like" is a small allowlist so any
// unrecognized status is treated as terminal (§9 design note).
func (s OrderStatus) IsTerminal() bool {
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case string(OrderWorking), string(OrderNew), string(OrderPendingNew):
		return false
	default:
		return true
	}
}

// IsWorking reports the complement of IsTerminal.
func (s OrderStatus) IsWorking() bool { return !s.IsTerminal() }

// NormalizeOrderStatus folds broker status spelling variants ("Cancelled"
// vs "Canceled") onto the engine's canonical constants.
func NormalizeOrderStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WORKING":
		return OrderWorking
	case "NEW":
		return OrderNew
	case "PENDINGNEW", "PENDING_NEW":
		return OrderPendingNew
	case "FILLED":
		return OrderFilled
	case "CANCELED", "CANCELLED":
		return OrderCanceled
	case "REJECTED":
		return OrderRejected
	case "EXPIRED":
		return OrderExpired
	default:
		return OrderStatus(raw)
	}
}

// TransitionKind is the outcome C3 reports after applying a signal.
type TransitionKind string

const (
	TransitionOpened  TransitionKind = "opened"
	TransitionDCA     TransitionKind = "dca"
	TransitionTrimmed TransitionKind = "trimmed"
	TransitionFlipped TransitionKind = "flipped"
	TransitionClosed  TransitionKind = "closed"
	TransitionNoop    TransitionKind = "noop"
)

// ExitReason explains why the exit state machine was triggered.
type ExitReason string

const (
	ExitReasonTPFill       ExitReason = "tp_fill"
	ExitReasonSLFill       ExitReason = "sl_fill"
	ExitReasonOppositeSig  ExitReason = "opposite_signal"
	ExitReasonCloseSignal  ExitReason = "close_signal"
	ExitReasonManualClose  ExitReason = "manual_broker_close"
	ExitReasonReconcile    ExitReason = "reconcile_flatten"
	ExitReasonKillSwitch   ExitReason = "kill_switch"
)

// Recorder is a named strategy configuration belonging to a user. Owned by
// the UI collaborator; the core treats it as a read-only lookup keyed by
// webhook token.
type Recorder struct {
	ID             string
	WebhookToken   string
	Symbol         string
	BaseQty        decimal.Decimal
	AddQty         decimal.Decimal
	TPTicks        int
	SLTicks        int
	SLEnabled      bool
	Filters        FilterConfig
	Enabled        bool
	Private        bool
}

// FilterConfig carries the Risk Gate's per-recorder toggles (§4.4).
type FilterConfig struct {
	AllowLong  bool
	AllowShort bool

	TimeWindows []TimeWindow // up to two

	CooldownSeconds int

	MaxPerSession   int
	MaxDailyLossUSD decimal.Decimal
	MaxContracts    int
	DelayN          int
}

// TimeWindow is one of the Risk Gate's up-to-two allowed trading windows.
type TimeWindow struct {
	StartHHMM  string
	EndHHMM    string
	Timezone   string
	DaysOfWeek []time.Weekday
	Enabled    bool
}

// Trader binds a Recorder to one (broker account, sub-account) pair.
type Trader struct {
	ID              string
	RecorderID      string
	AccountID       string
	Enabled         bool
	BaseQtyOverride *decimal.Decimal
	AddQtyOverride  *decimal.Decimal
	TPTicksOverride *int
	SLTicksOverride *int
	EnabledAccounts uint64 // bitset, when the account has sub-accounts
}

// BrokerAccount holds credentials and connection state for one account.
type BrokerAccount struct {
	ID          string
	Environment Environment
	AccessToken string
	RefreshTok  string
	TokenExpiry time.Time
}

// Entry is one lot making up a VirtualPosition's volume-weighted average.
type Entry struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	TS    time.Time
}

// VirtualPositionStatus is open or closed.
type VirtualPositionStatus string

const (
	PositionOpen   VirtualPositionStatus = "open"
	PositionClosed VirtualPositionStatus = "closed"
)

// VirtualPosition is the engine's signal-derived notion of what should be
// open for a (recorder, ticker) pair, distinct from the broker-reported
// position. See spec invariants: sum(entries.qty) == total_quantity,
// avg == Σ(p·q)/Σq, FLAT implies zero qty and no entries.
type VirtualPosition struct {
	ID            uint
	RecorderID    string
	Ticker        string
	Side          Side
	TotalQty      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	Entries       []Entry
	Status        VirtualPositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitReason    ExitReason
	ExitPrice     decimal.Decimal
}

// Key identifies a VirtualPosition's serialization key.
func (p *VirtualPosition) Key() string { return p.RecorderID + "|" + p.Ticker }

// Recompute derives AvgEntryPrice and TotalQty from Entries, enforcing the
// VWAP invariant exactly (P2).
func (p *VirtualPosition) Recompute() {
	total := decimal.Zero
	weighted := decimal.Zero
	for _, e := range p.Entries {
		total = total.Add(e.Qty)
		weighted = weighted.Add(e.Price.Mul(e.Qty))
	}
	p.TotalQty = total
	if total.IsZero() {
		p.AvgEntryPrice = decimal.Zero
		p.Side = SideFlat
		p.Status = PositionClosed
		p.Entries = nil
		return
	}
	p.AvgEntryPrice = weighted.Div(total)
}

// Signal is an immutable record of an accepted webhook (append-only).
type Signal struct {
	ID              string
	RecorderID      string
	ReceivedAt      time.Time
	Action          Action
	Ticker          string
	Price           *decimal.Decimal
	Qty             decimal.Decimal
	RawPayload      string
	Fingerprint     string
	Accepted        bool
	RejectReason    string
}

// BrokerOrder is a typed reference to a live order at the broker. The
// engine persists only (id, role, qty, price, tag, status); the broker is
// authoritative for status transitions.
type BrokerOrder struct {
	ID            uint
	BrokerOrderID string
	AccountID     string
	Ticker        string
	Role          OrderRole
	Action        Action
	Qty           decimal.Decimal
	Price         *decimal.Decimal
	Tag           string
	Seq           int
	Status        OrderStatus
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// ExitStateKind enumerates the Exit State Machine's states (§4.7).
type ExitStateKind string

const (
	ExitIdle         ExitStateKind = "IDLE"
	ExitPrepareExit  ExitStateKind = "PREPARE_EXIT"
	ExitWorkingExit  ExitStateKind = "WORKING_EXIT"
	ExitConfirmFlat  ExitStateKind = "CONFIRM_FLAT"
	ExitKill         ExitStateKind = "KILL"
)

// ExitState is the in-memory per-(trader,ticker) exit state; rebuilt from
// persisted VirtualPosition + BrokerOrder on restart, never persisted
// directly.
type ExitState struct {
	TraderID string
	Ticker   string
	State    ExitStateKind
	Reason   ExitReason
	Attempt  int
	Deadline time.Time
}

// Key identifies an ExitState's serialization key.
func (e *ExitState) Key() string { return e.TraderID + "|" + e.Ticker }

// Trade is a derived record from a closed VirtualPosition, used for
// analytics (owned by core, §6 persistent schema).
type Trade struct {
	ID                uint
	VirtualPositionID uint
	EntryPrice        decimal.Decimal
	ExitPrice         decimal.Decimal
	Qty               decimal.Decimal
	PnLUSD            decimal.Decimal
	OpenedAt          time.Time
	ClosedAt          time.Time
}

// Contract carries the tick parameters needed to translate ticks to price.
type Contract struct {
	Symbol    string
	TickSize  decimal.Decimal
	TickValue decimal.Decimal
}

// PnLUSD computes realized P&L in dollars for a qty traded between entry
// and exit at the given contract's tick economics.
func PnLUSD(side Side, entry, exit, qty decimal.Decimal, c Contract) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == SideShort {
		diff = entry.Sub(exit)
	}
	ticks := diff.Div(c.TickSize)
	return ticks.Mul(c.TickValue).Mul(qty)
}
