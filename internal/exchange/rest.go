package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crossarb/pkg/ratelimit"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// Credentials - ключи API торгового аккаунта
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// RESTClient - подписанный JSON-клиент площадки
//
// Каждый запрос проходит через RateLimiter площадки. Ответы 429 и 5xx,
// а также сетевые сбои повторяются по retry.VenueConfig; 4xx возвращаются сразу.
type RESTClient struct {
	venue   string
	baseURL string
	creds   Credentials
	http    *HTTPClient
	limiter *ratelimit.RateLimiter
	retry   retry.Config
	logger  *utils.Logger
}

// NewRESTClient создаёт клиент; limiter = nil отключает ограничение частоты
func NewRESTClient(venue, baseURL string, creds Credentials, limiter *ratelimit.RateLimiter, httpCfg HTTPClientConfig) *RESTClient {
	c := &RESTClient{
		venue:   venue,
		baseURL: baseURL,
		creds:   creds,
		http:    NewHTTPClient(httpCfg),
		limiter: limiter,
		retry:   retry.VenueConfig(),
		logger:  utils.L().WithComponent("rest").WithExchange(venue),
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("venue request retry", utils.Attempt(attempt), utils.Dur("delay", delay), utils.Err(err))
	}
	return c
}

// Sign считает HMAC-SHA256(secret, timestamp + method + path + body) в hex
func (c *RESTClient) Sign(timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	h.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(h.Sum(nil))
}

// Do выполняет запрос и декодирует JSON-ответ в out (если out != nil)
func (c *RESTClient) Do(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &ExchangeError{Exchange: c.venue, Message: "encode request", Original: err}
		}
	}

	signPath := path
	if len(query) > 0 {
		signPath = path + "?" + query.Encode()
	}

	respBody, err := retry.DoWithResult(ctx, func() ([]byte, error) {
		return c.roundTrip(ctx, method, signPath, payload, signed)
	}, c.retry)
	if err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ExchangeError{Exchange: c.venue, Message: "decode response", Original: err}
	}
	return nil
}

func (c *RESTClient) roundTrip(ctx context.Context, method, pathWithQuery string, payload []byte, signed bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewReader(payload))
	if err != nil {
		return nil, &ExchangeError{Exchange: c.venue, Message: "build request", Original: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-API-KEY", c.creds.APIKey)
		req.Header.Set("X-TIMESTAMP", timestamp)
		req.Header.Set("X-SIGNATURE", c.Sign(timestamp, method, pathWithQuery, string(payload)))
		if c.creds.Passphrase != "" {
			req.Header.Set("X-PASSPHRASE", c.creds.Passphrase)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExchangeError{Exchange: c.venue, Message: "transport", Recoverable: true, Original: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Exchange: c.venue, Message: "read response", Recoverable: true, Original: err}
	}

	c.logger.Debug("venue request",
		utils.String("method", method),
		utils.String("path", pathWithQuery),
		utils.Int("status", resp.StatusCode),
		utils.Latency(time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, c.statusError(resp.StatusCode, respBody)
}

// statusError разбирает тело ошибки {"code": ..., "message"|"error": ...}
func (c *RESTClient) statusError(status int, body []byte) error {
	var errResp struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
		Error   string      `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)

	msg := errResp.Message
	if msg == "" {
		msg = errResp.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := strconv.Itoa(status)
	if s := stringValue(errResp.Code); s != "" {
		code = s
	}

	return &ExchangeError{
		Exchange:    c.venue,
		Code:        code,
		Message:     msg,
		Recoverable: status == http.StatusTooManyRequests || status >= 500,
	}
}

// Close освобождает соединения
func (c *RESTClient) Close() {
	c.http.Close()
}

// IsRecoverable сообщает, является ли err временной ошибкой площадки
func IsRecoverable(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && exErr.Recoverable
}
