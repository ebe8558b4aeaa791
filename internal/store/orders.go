package store

import (
	"errors"

	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/model"
)

// OrderRepo persists broker orders the engine has placed.
type OrderRepo struct{ db *gorm.DB }

func (r *OrderRepo) Save(o *model.BrokerOrder) error {
	row := BrokerOrderFromModel(*o)
	if err := r.db.Save(&row).Error; err != nil {
		return err
	}
	o.ID = row.ID
	return nil
}

// ListWorking returns every non-terminal order for an account, as recorded
// in the store.
func (r *OrderRepo) ListWorking(accountID string) ([]model.BrokerOrder, error) {
	var rows []BrokerOrder
	err := r.db.Where("account_id = ? AND status IN ?", accountID,
		[]string{string(model.OrderWorking), string(model.OrderNew), string(model.OrderPendingNew)}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.BrokerOrder, len(rows))
	for i, row := range rows {
		out[i] = row.ToModel()
	}
	return out, nil
}

// ByTag finds the order placed under a given broker client-order tag.
func (r *OrderRepo) ByTag(tag string) (*model.BrokerOrder, error) {
	var row BrokerOrder
	if err := r.db.Where("tag = ?", tag).First(&row).Error; err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}

// MaxSeq returns the highest tag seq already used for (accountID, ticker,
// role), or 0 if none has been placed yet — the monotonic per-role counter
// spec §4.1 requires for tag attribution.
func (r *OrderRepo) MaxSeq(accountID, ticker string, role model.OrderRole) (int, error) {
	var row BrokerOrder
	err := r.db.Where("account_id = ? AND ticker = ? AND role = ?", accountID, ticker, string(role)).
		Order("seq DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.Seq, nil
}

// ByBrokerID finds the order by the broker's own order id, for postback
// reconciliation.
func (r *OrderRepo) ByBrokerID(brokerOrderID string) (*model.BrokerOrder, error) {
	var row BrokerOrder
	if err := r.db.Where("broker_order_id = ?", brokerOrderID).First(&row).Error; err != nil {
		return nil, err
	}
	m := row.ToModel()
	return &m, nil
}
