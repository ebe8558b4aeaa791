package store

import (
	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/model"
)

// PositionRepo persists C3's virtual positions.
type PositionRepo struct{ db *gorm.DB }

func (r *PositionRepo) Save(p *model.VirtualPosition) error {
	row := VirtualPositionFromModel(*p)
	if err := r.db.Save(&row).Error; err != nil {
		return err
	}
	p.ID = row.ID
	return nil
}

// GetOpen returns the open VirtualPosition for (recorderID, ticker), or
// gorm.ErrRecordNotFound if flat.
func (r *PositionRepo) GetOpen(recorderID, ticker string) (*model.VirtualPosition, error) {
	var row VirtualPosition
	err := r.db.Where("recorder_id = ? AND ticker = ? AND status = ?", recorderID, ticker, model.PositionOpen).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

// ListOpen returns every open position, for the reconciler's sweep.
func (r *PositionRepo) ListOpen() ([]model.VirtualPosition, error) {
	var rows []VirtualPosition
	if err := r.db.Where("status = ?", model.PositionOpen).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.VirtualPosition, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}
