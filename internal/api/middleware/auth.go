package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"crossarb/pkg/crypto"
)

// BearerAuth - проверка токена ops API
//
// В конфигурации хранится только bcrypt-хеш (SERVER_TOKEN_HASH).
// Пустой хеш отключает проверку: сервер рассчитан на локальный запуск.
// Последний подтверждённый токен запоминается, чтобы не платить за
// bcrypt на каждом запросе; сравнение с ним за постоянное время.
func BearerAuth(tokenHash string) mux.MiddlewareFunc {
	var (
		mu       sync.RWMutex
		verified []byte
	)

	check := func(token string) bool {
		mu.RLock()
		known := verified
		mu.RUnlock()
		if known != nil && subtle.ConstantTimeCompare(known, []byte(token)) == 1 {
			return true
		}
		if err := crypto.VerifyToken(token, tokenHash); err != nil {
			return false
		}
		mu.Lock()
		verified = []byte(token)
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || !check(token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
