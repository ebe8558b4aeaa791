package store

import (
	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/model"
)

// AccountRepo is the read-mostly lookup for broker credentials (owned
// upstream in spec terms, persisted locally since this engine has no
// separate account service).
type AccountRepo struct{ db *gorm.DB }

func (r *AccountRepo) Get(id string) (*model.BrokerAccount, error) {
	var row BrokerAccount
	if err := r.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

func (r *AccountRepo) ListAll() ([]model.BrokerAccount, error) {
	var rows []BrokerAccount
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.BrokerAccount, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}

// Upsert saves refreshed token state back, clearing NeedsReauth.
func (r *AccountRepo) Upsert(a model.BrokerAccount) error {
	row := BrokerAccountFromModel(a)
	return r.db.Save(&row).Error
}

// MarkNeedsReauth flags an account whose refresh attempt failed (C2).
func (r *AccountRepo) MarkNeedsReauth(id string) error {
	return r.db.Model(&BrokerAccount{}).Where("id = ?", id).Update("needs_reauth", true).Error
}

func (r *AccountRepo) NeedsReauth(id string) (bool, error) {
	var row BrokerAccount
	if err := r.db.Where("id = ?", id).First(&row).Error; err != nil {
		return false, err
	}
	return row.NeedsReauth, nil
}

// RecorderRepo is the read-mostly lookup for recorder/trader config.
type RecorderRepo struct{ db *gorm.DB }

func (r *RecorderRepo) ByWebhookToken(token string) (*model.Recorder, error) {
	var row Recorder
	if err := r.db.Where("webhook_token = ?", token).First(&row).Error; err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

func (r *RecorderRepo) Get(id string) (*model.Recorder, error) {
	var row Recorder
	if err := r.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

func (r *RecorderRepo) TradersFor(recorderID string) ([]model.Trader, error) {
	var rows []Trader
	if err := r.db.Where("recorder_id = ? AND enabled = ?", recorderID, true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trader, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}

// TraderFor returns the enabled trader binding recorderID to accountID —
// postback's fill handler only has (account_id, recorder_id) off the order
// tag and needs the trader row's ID to drive the exit FSM.
func (r *RecorderRepo) TraderFor(recorderID, accountID string) (*model.Trader, error) {
	var row Trader
	err := r.db.Where("recorder_id = ? AND account_id = ? AND enabled = ?", recorderID, accountID, true).First(&row).Error
	if err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

// AllTraders returns every enabled trader across all recorders, for the
// reconciler's orphan-broker-position sweep (§4.8), which has no virtual
// position to anchor the lookup on.
func (r *RecorderRepo) AllTraders() ([]model.Trader, error) {
	var rows []Trader
	if err := r.db.Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trader, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}

func (r *RecorderRepo) Upsert(rec model.Recorder) error {
	row := RecorderFromModel(rec)
	return r.db.Save(&row).Error
}

func (r *RecorderRepo) UpsertTrader(t model.Trader) error {
	row := TraderFromModel(t)
	return r.db.Save(&row).Error
}
