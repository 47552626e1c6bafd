package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// Синонимы полей в сообщениях площадок; берётся первое непустое значение
var (
	orderIDKeys   = []string{"order_id", "id"}
	priceKeys     = []string{"price", "fill_price"}
	sizeKeys      = []string{"size", "filled_size", "fill_size", "matchedAmount"}
	marketIDKeys  = []string{"market_id", "token_id"}
	timestampKeys = []string{"timestamp", "filled_at"}
)

// NormalizeFill разбирает сообщение площадки об исполнении
//
// Принимает как плоский объект, так и обёртку {"data": {...}}.
// Сообщение без order_id (подтверждения подписки, heartbeat) даёт nil, nil.
// Размер и цена здесь не проверяются: это делает обработчик fill.
func NormalizeFill(exchange string, raw []byte) (*models.Fill, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s fill payload: %v", utils.ErrInvalidPayload, exchange, err)
	}

	payload := envelope
	if inner, ok := envelope["data"].(map[string]interface{}); ok {
		payload = inner
	}
	return normalizeFillObject(exchange, payload, time.Now().UTC())
}

func normalizeFillObject(exchange string, payload map[string]interface{}, now time.Time) (*models.Fill, error) {
	orderID := firstString(payload, orderIDKeys)
	if orderID == "" {
		return nil, nil
	}

	price, err := firstDecimal(payload, priceKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %s fill %s price: %v", utils.ErrInvalidPayload, exchange, orderID, err)
	}
	size, err := firstDecimal(payload, sizeKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %s fill %s size: %v", utils.ErrInvalidPayload, exchange, orderID, err)
	}
	fee, err := firstDecimal(payload, []string{"fee"})
	if err != nil {
		return nil, fmt.Errorf("%w: %s fill %s fee: %v", utils.ErrInvalidPayload, exchange, orderID, err)
	}

	ts := now
	for _, key := range timestampKeys {
		if parsed, ok := utils.ParseTimestamp(payload[key]); ok {
			ts = parsed
			break
		}
	}

	return &models.Fill{
		FillID:    firstString(payload, []string{"fill_id"}),
		OrderID:   orderID,
		MarketID:  firstString(payload, marketIDKeys),
		Exchange:  exchange,
		Side:      models.ParseSide(firstString(payload, []string{"side"})),
		Price:     price,
		Size:      size,
		Fee:       fee,
		Timestamp: ts,
	}, nil
}

func firstString(payload map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if s := stringValue(payload[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// firstDecimal: отсутствующее поле даёт 0, нечисловое - ошибку
func firstDecimal(payload map[string]interface{}, keys []string) (decimal.Decimal, error) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case float64:
			return decimal.NewFromFloat(val), nil
		case string:
			if strings.TrimSpace(val) == "" {
				continue
			}
			return decimal.NewFromString(strings.TrimSpace(val))
		default:
			return decimal.Zero, fmt.Errorf("field %s has type %T", key, v)
		}
	}
	return decimal.Zero, nil
}
