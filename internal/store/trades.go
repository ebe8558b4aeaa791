package store

import (
	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/model"
)

// TradeRepo persists closed-position analytics rows.
type TradeRepo struct{ db *gorm.DB }

func (r *TradeRepo) Save(t model.Trade) error {
	return r.db.Create(TradeFromModel(t)).Error
}

func (r *TradeRepo) ListRecent(limit int) ([]model.Trade, error) {
	var rows []Trade
	if err := r.db.Order("closed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trade, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}
