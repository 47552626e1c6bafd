package models

import "time"

// DoubleLimitState - состояние связки двух лимитных ордеров
type DoubleLimitState string

const (
	DoubleLimitActive    DoubleLimitState = "ACTIVE"
	DoubleLimitTriggered DoubleLimitState = "TRIGGERED"
	DoubleLimitCompleted DoubleLimitState = "COMPLETED"
)

// DoubleLimitRecord связывает два ордера (по одному на площадку) в одну позицию
//
// Переход ACTIVE -> TRIGGERED происходит не больше одного раза и не откатывается.
// Ордер ищется по ref или client id любой из ног.
type DoubleLimitRecord struct {
	ID               string           `json:"id" db:"id"`
	PairKey          string           `json:"pair_key" db:"pair_key"`
	OrderARef        string           `json:"order_a_ref" db:"order_a_ref"`
	OrderAClientID   string           `json:"order_a_client_id" db:"order_a_client_id"`
	OrderAExchange   string           `json:"order_a_exchange" db:"order_a_exchange"`
	OrderBRef        string           `json:"order_b_ref" db:"order_b_ref"`
	OrderBClientID   string           `json:"order_b_client_id" db:"order_b_client_id"`
	OrderBExchange   string           `json:"order_b_exchange" db:"order_b_exchange"`
	State            DoubleLimitState `json:"state" db:"state"`
	TriggeredOrderID string           `json:"triggered_order_id,omitempty" db:"triggered_order_id"`
	CancelledOrderID string           `json:"cancelled_order_id,omitempty" db:"cancelled_order_id"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Counterparty возвращает ref и площадку второй ноги для orderRef.
// ok = false, если orderRef не принадлежит записи.
func (r *DoubleLimitRecord) Counterparty(orderRef string) (ref, exchange string, ok bool) {
	switch orderRef {
	case r.OrderARef, r.OrderAClientID:
		if r.OrderBRef == "" || r.OrderBExchange == "" {
			return "", "", false
		}
		return r.OrderBRef, r.OrderBExchange, true
	case r.OrderBRef, r.OrderBClientID:
		if r.OrderARef == "" || r.OrderAExchange == "" {
			return "", "", false
		}
		return r.OrderARef, r.OrderAExchange, true
	}
	return "", "", false
}
