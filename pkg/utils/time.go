package utils

import (
	"strconv"
	"strings"
	"time"
)

// time.go - разбор и нормализация временных меток площадок
//
// Площадки присылают время исполнения по-разному: unix секунды,
// unix миллисекунды, RFC3339 строки. Ядро работает только с time.Time в UTC.

// millisThreshold - значения больше считаются миллисекундами
const millisThreshold = 1e12

// ============================================================
// Timestamp
// ============================================================

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromUnixNumber конвертирует число (секунды или миллисекунды) в time.Time
func FromUnixNumber(v float64) time.Time {
	if v > millisThreshold {
		return FromUnixMillis(int64(v))
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// ParseTimestamp разбирает значение из JSON payload.
//
// Поддерживаются float64/int64/json.Number-подобные строки и RFC3339.
// ok = false, если значение отсутствует или не распознано.
func ParseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		if v <= 0 {
			return time.Time{}, false
		}
		return FromUnixNumber(v), true
	case int64:
		if v <= 0 {
			return time.Time{}, false
		}
		return FromUnixNumber(float64(v)), true
	case int:
		if v <= 0 {
			return time.Time{}, false
		}
		return FromUnixNumber(float64(v)), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			return FromUnixNumber(f), true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// TimestampKey - компонент ключа дедупликации (миллисекунды Unix)
func TimestampKey(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
