package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/model"
)

// SignalRepo persists the append-only signal log (§6 schema).
type SignalRepo struct{ db *gorm.DB }

func (r *SignalRepo) Save(s model.Signal) error {
	return r.db.Create(SignalFromModel(s)).Error
}

// RecentFingerprints returns fingerprints recorded for recorderID since the
// given time, newest first.
func (r *SignalRepo) RecentFingerprints(recorderID string, since time.Time) ([]string, error) {
	var fps []string
	err := r.db.Model(&Signal{}).
		Where("recorder_id = ? AND received_at >= ?", recorderID, since).
		Order("received_at DESC").
		Pluck("fingerprint", &fps).Error
	return fps, err
}

// CountAccepted returns how many accepted signals exist for recorderID
// since the given time, for the max-per-session filter (§4.4).
func (r *SignalRepo) CountAccepted(recorderID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.Model(&Signal{}).
		Where("recorder_id = ? AND accepted = ? AND received_at >= ?", recorderID, true, since).
		Count(&n).Error
	return n, err
}

// LastAccepted returns the most recent accepted signal for a recorder, or
// gorm.ErrRecordNotFound if there is none — used by the cooldown filter.
func (r *SignalRepo) LastAccepted(recorderID string) (model.Signal, error) {
	var row Signal
	err := r.db.Where("recorder_id = ? AND accepted = ?", recorderID, true).
		Order("received_at DESC").First(&row).Error
	if err != nil {
		return model.Signal{}, err
	}
	return model.Signal{
		ID: row.ID, RecorderID: row.RecorderID, ReceivedAt: row.ReceivedAt,
		Action: model.Action(row.Action), Ticker: row.Ticker, Price: row.Price, Qty: row.Qty,
		RawPayload: row.RawPayload, Fingerprint: row.Fingerprint, Accepted: row.Accepted,
		RejectReason: row.RejectReason,
	}, nil
}
