package models

// AccountCredentials - ключи торгового аккаунта и параметры его лимитера
//
// SecretKey и Passphrase в файле аккаунтов зашифрованы (AES-256-GCM),
// в памяти хранятся уже расшифрованными и никогда не сериализуются наружу.
type AccountCredentials struct {
	AccountID    string            `json:"account_id"`
	Exchange     string            `json:"exchange"`
	APIKey       string            `json:"api_key"`
	SecretKey    string            `json:"secret_key"`
	Passphrase   string            `json:"passphrase,omitempty"`
	Proxy        string            `json:"proxy,omitempty"`
	Weight       float64           `json:"weight"`
	TokensPerSec float64           `json:"tokens_per_sec"`
	Burst        int               `json:"burst"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WithDefaults заполняет нулевые параметры лимитера и веса
func (a AccountCredentials) WithDefaults() AccountCredentials {
	if a.Weight == 0 {
		a.Weight = 1.0
	}
	if a.TokensPerSec <= 0 {
		a.TokensPerSec = 5.0
	}
	if a.Burst <= 0 {
		a.Burst = 10
	}
	return a
}

// AccountState - снимок состояния воркера для ops API
type AccountState struct {
	AccountID   string  `json:"account_id"`
	Exchange    string  `json:"exchange"`
	Healthy     bool    `json:"healthy"`
	ActiveTasks int     `json:"active_tasks"`
	Weight      float64 `json:"weight"`
}
