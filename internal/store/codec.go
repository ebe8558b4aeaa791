package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/model"
)

// encodeEntries/decodeEntries and encode/decodeTimeWindows round-trip the
// domain's slice fields through JSON text columns — gorm has no native
// array/struct-slice column type across both sqlite and postgres, so a JSON
// string column is the simplest portable encoding (matches the teacher's
// practice of storing denormalized fields as plain columns rather than
// reaching for a JSONB-specific driver type).

type entryRow struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	TS    time.Time       `json:"ts"`
}

func encodeEntries(entries []model.Entry) string {
	rows := make([]entryRow, len(entries))
	for i, e := range entries {
		rows[i] = entryRow{Price: e.Price, Qty: e.Qty, TS: e.TS}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		log.Error().Err(err).Msg("encode entries failed")
		return "[]"
	}
	return string(b)
}

func decodeEntries(raw string) []model.Entry {
	if raw == "" {
		return nil
	}
	var rows []entryRow
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		log.Error().Err(err).Msg("decode entries failed")
		return nil
	}
	entries := make([]model.Entry, len(rows))
	for i, r := range rows {
		entries[i] = model.Entry{Price: r.Price, Qty: r.Qty, TS: r.TS}
	}
	return entries
}

type timeWindowRow struct {
	StartHHMM  string `json:"start"`
	EndHHMM    string `json:"end"`
	Timezone   string `json:"tz"`
	DaysOfWeek []int  `json:"days"`
	Enabled    bool   `json:"enabled"`
}

func encodeTimeWindows(windows []model.TimeWindow) string {
	rows := make([]timeWindowRow, len(windows))
	for i, w := range windows {
		days := make([]int, len(w.DaysOfWeek))
		for j, d := range w.DaysOfWeek {
			days[j] = int(d)
		}
		rows[i] = timeWindowRow{StartHHMM: w.StartHHMM, EndHHMM: w.EndHHMM, Timezone: w.Timezone, DaysOfWeek: days, Enabled: w.Enabled}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		log.Error().Err(err).Msg("encode time windows failed")
		return "[]"
	}
	return string(b)
}

func decodeTimeWindows(raw string) []model.TimeWindow {
	if raw == "" {
		return nil
	}
	var rows []timeWindowRow
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		log.Error().Err(err).Msg("decode time windows failed")
		return nil
	}
	windows := make([]model.TimeWindow, len(rows))
	for i, r := range rows {
		days := make([]time.Weekday, len(r.DaysOfWeek))
		for j, d := range r.DaysOfWeek {
			days[j] = time.Weekday(d)
		}
		windows[i] = model.TimeWindow{StartHHMM: r.StartHHMM, EndHHMM: r.EndHHMM, Timezone: r.Timezone, DaysOfWeek: days, Enabled: r.Enabled}
	}
	return windows
}
