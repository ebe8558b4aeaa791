package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/model"
)

// Recorder is the gorm row for a strategy configuration. Filters are stored
// flattened (gorm has no native struct-slice column); TimeWindows persist as
// a JSON string via encodeTimeWindows/decodeTimeWindows (codec.go).
type Recorder struct {
	ID              string `gorm:"primaryKey"`
	WebhookToken    string `gorm:"uniqueIndex"`
	Symbol          string
	BaseQty         decimal.Decimal `gorm:"type:decimal(20,6)"`
	AddQty          decimal.Decimal `gorm:"type:decimal(20,6)"`
	TPTicks         int
	SLTicks         int
	SLEnabled       bool
	AllowLong       bool
	AllowShort      bool
	TimeWindowsJSON string
	CooldownSeconds int
	MaxPerSession   int
	MaxDailyLossUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxContracts    int
	DelayN          int
	Enabled         bool
	Private         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Recorder) TableName() string { return "recorders" }

func RecorderFromModel(r model.Recorder) Recorder {
	return Recorder{
		ID: r.ID, WebhookToken: r.WebhookToken, Symbol: r.Symbol,
		BaseQty: r.BaseQty, AddQty: r.AddQty, TPTicks: r.TPTicks, SLTicks: r.SLTicks,
		SLEnabled: r.SLEnabled, Enabled: r.Enabled, Private: r.Private,
		AllowLong: r.Filters.AllowLong, AllowShort: r.Filters.AllowShort,
		TimeWindowsJSON: encodeTimeWindows(r.Filters.TimeWindows),
		CooldownSeconds: r.Filters.CooldownSeconds, MaxPerSession: r.Filters.MaxPerSession,
		MaxDailyLossUSD: r.Filters.MaxDailyLossUSD, MaxContracts: r.Filters.MaxContracts,
		DelayN: r.Filters.DelayN,
	}
}

// ToModel converts the row into the domain Recorder, decoding TimeWindows.
func (r Recorder) ToModel() model.Recorder {
	return model.Recorder{
		ID:           r.ID,
		WebhookToken: r.WebhookToken,
		Symbol:       r.Symbol,
		BaseQty:      r.BaseQty,
		AddQty:       r.AddQty,
		TPTicks:      r.TPTicks,
		SLTicks:      r.SLTicks,
		SLEnabled:    r.SLEnabled,
		Enabled:      r.Enabled,
		Private:      r.Private,
		Filters: model.FilterConfig{
			AllowLong:       r.AllowLong,
			AllowShort:      r.AllowShort,
			TimeWindows:     decodeTimeWindows(r.TimeWindowsJSON),
			CooldownSeconds: r.CooldownSeconds,
			MaxPerSession:   r.MaxPerSession,
			MaxDailyLossUSD: r.MaxDailyLossUSD,
			MaxContracts:    r.MaxContracts,
			DelayN:          r.DelayN,
		},
	}
}

// Trader is the gorm row binding a Recorder to a broker account.
type Trader struct {
	ID              string `gorm:"primaryKey"`
	RecorderID      string `gorm:"index"`
	AccountID       string `gorm:"index"`
	Enabled         bool
	BaseQtyOverride *decimal.Decimal `gorm:"type:decimal(20,6)"`
	AddQtyOverride  *decimal.Decimal `gorm:"type:decimal(20,6)"`
	TPTicksOverride *int
	SLTicksOverride *int
	EnabledAccounts uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Trader) TableName() string { return "traders" }

func TraderFromModel(t model.Trader) Trader {
	return Trader{
		ID: t.ID, RecorderID: t.RecorderID, AccountID: t.AccountID, Enabled: t.Enabled,
		BaseQtyOverride: t.BaseQtyOverride, AddQtyOverride: t.AddQtyOverride,
		TPTicksOverride: t.TPTicksOverride, SLTicksOverride: t.SLTicksOverride,
		EnabledAccounts: t.EnabledAccounts,
	}
}

func (t Trader) ToModel() model.Trader {
	return model.Trader{
		ID:              t.ID,
		RecorderID:      t.RecorderID,
		AccountID:       t.AccountID,
		Enabled:         t.Enabled,
		BaseQtyOverride: t.BaseQtyOverride,
		AddQtyOverride:  t.AddQtyOverride,
		TPTicksOverride: t.TPTicksOverride,
		SLTicksOverride: t.SLTicksOverride,
		EnabledAccounts: t.EnabledAccounts,
	}
}

// BrokerAccount is the gorm row for broker credentials/connection state.
type BrokerAccount struct {
	ID          string `gorm:"primaryKey"`
	Environment string
	AccessToken string
	RefreshTok  string
	TokenExpiry time.Time
	NeedsReauth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BrokerAccount) TableName() string { return "broker_accounts" }

func BrokerAccountFromModel(a model.BrokerAccount) BrokerAccount {
	return BrokerAccount{
		ID: a.ID, Environment: string(a.Environment), AccessToken: a.AccessToken,
		RefreshTok: a.RefreshTok, TokenExpiry: a.TokenExpiry,
	}
}

func (a BrokerAccount) ToModel() model.BrokerAccount {
	return model.BrokerAccount{
		ID:          a.ID,
		Environment: model.Environment(a.Environment),
		AccessToken: a.AccessToken,
		RefreshTok:  a.RefreshTok,
		TokenExpiry: a.TokenExpiry,
	}
}

// Signal is the append-only gorm row for every accepted or rejected webhook.
type Signal struct {
	ID           string `gorm:"primaryKey"`
	RecorderID   string `gorm:"index"`
	ReceivedAt   time.Time
	Action       string
	Ticker       string
	Price        *decimal.Decimal `gorm:"type:decimal(20,6)"`
	Qty          decimal.Decimal  `gorm:"type:decimal(20,6)"`
	RawPayload   string
	Fingerprint  string `gorm:"index"`
	Accepted     bool
	RejectReason string
}

func (Signal) TableName() string { return "signals" }

func SignalFromModel(s model.Signal) Signal {
	return Signal{
		ID: s.ID, RecorderID: s.RecorderID, ReceivedAt: s.ReceivedAt,
		Action: string(s.Action), Ticker: s.Ticker, Price: s.Price, Qty: s.Qty,
		RawPayload: s.RawPayload, Fingerprint: s.Fingerprint,
		Accepted: s.Accepted, RejectReason: s.RejectReason,
	}
}

// VirtualPosition is the gorm row for C3's signal-derived position, with
// Entries stored as a JSON string in the EntriesJSON column of the same row.
type VirtualPosition struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	RecorderID    string `gorm:"index"`
	Ticker        string `gorm:"index"`
	Side          string
	TotalQty      decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitReason    string
	ExitPrice     decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntriesJSON   string
}

func (VirtualPosition) TableName() string { return "virtual_positions" }

func VirtualPositionFromModel(p model.VirtualPosition) VirtualPosition {
	return VirtualPosition{
		ID: p.ID, RecorderID: p.RecorderID, Ticker: p.Ticker, Side: string(p.Side),
		TotalQty: p.TotalQty, AvgEntryPrice: p.AvgEntryPrice, Status: string(p.Status),
		OpenedAt: p.OpenedAt, ClosedAt: p.ClosedAt, ExitReason: string(p.ExitReason),
		ExitPrice: p.ExitPrice, EntriesJSON: encodeEntries(p.Entries),
	}
}

func (v VirtualPosition) ToModel() model.VirtualPosition {
	return model.VirtualPosition{
		ID: v.ID, RecorderID: v.RecorderID, Ticker: v.Ticker, Side: model.Side(v.Side),
		TotalQty: v.TotalQty, AvgEntryPrice: v.AvgEntryPrice, Status: model.VirtualPositionStatus(v.Status),
		OpenedAt: v.OpenedAt, ClosedAt: v.ClosedAt, ExitReason: model.ExitReason(v.ExitReason),
		ExitPrice: v.ExitPrice, Entries: decodeEntries(v.EntriesJSON),
	}
}

// BrokerOrder is the gorm row tracking one TP/SL/entry order the engine
// placed, keyed by the broker's own order id once known.
type BrokerOrder struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	BrokerOrderID string `gorm:"index"`
	AccountID     string `gorm:"index"`
	Ticker        string `gorm:"index"`
	Role          string
	Action        string
	Qty           decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price         *decimal.Decimal `gorm:"type:decimal(20,6)"`
	Tag           string `gorm:"index"`
	Seq           int
	Status        string
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

func (BrokerOrder) TableName() string { return "broker_orders" }

func BrokerOrderFromModel(o model.BrokerOrder) BrokerOrder {
	return BrokerOrder{
		ID: o.ID, BrokerOrderID: o.BrokerOrderID, AccountID: o.AccountID, Ticker: o.Ticker,
		Role: string(o.Role), Action: string(o.Action), Qty: o.Qty, Price: o.Price,
		Tag: o.Tag, Seq: o.Seq, Status: string(o.Status), PlacedAt: o.PlacedAt, UpdatedAt: o.UpdatedAt,
	}
}

func (o BrokerOrder) ToModel() model.BrokerOrder {
	return model.BrokerOrder{
		ID: o.ID, BrokerOrderID: o.BrokerOrderID, AccountID: o.AccountID, Ticker: o.Ticker,
		Role: model.OrderRole(o.Role), Action: model.Action(o.Action), Qty: o.Qty, Price: o.Price,
		Tag: o.Tag, Seq: o.Seq, Status: model.OrderStatus(o.Status), PlacedAt: o.PlacedAt, UpdatedAt: o.UpdatedAt,
	}
}

// Trade is the gorm row for a closed position's analytics record.
type Trade struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	VirtualPositionID uint `gorm:"index"`
	EntryPrice        decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExitPrice         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Qty               decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnLUSD            decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenedAt          time.Time
	ClosedAt          time.Time
}

func (Trade) TableName() string { return "trades" }

func TradeFromModel(t model.Trade) Trade {
	return Trade{
		ID: t.ID, VirtualPositionID: t.VirtualPositionID, EntryPrice: t.EntryPrice,
		ExitPrice: t.ExitPrice, Qty: t.Qty, PnLUSD: t.PnLUSD, OpenedAt: t.OpenedAt, ClosedAt: t.ClosedAt,
	}
}

func (t Trade) ToModel() model.Trade {
	return model.Trade{
		ID: t.ID, VirtualPositionID: t.VirtualPositionID, EntryPrice: t.EntryPrice,
		ExitPrice: t.ExitPrice, Qty: t.Qty, PnLUSD: t.PnLUSD, OpenedAt: t.OpenedAt, ClosedAt: t.ClosedAt,
	}
}
