package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"crossarb/internal/models"
	"crossarb/pkg/crypto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadAccounts читает файл аккаунтов и расшифровывает секреты
//
// Формат: {"accounts": [{"account_id": ..., "exchange": ..., "api_key": ...,
// "secret_key": "<base64 AES-GCM>", "passphrase": "<base64 AES-GCM>", ...}]}.
// Пустой путь - пустой список без ошибки.
func (c *Config) LoadAccounts() ([]models.AccountCredentials, error) {
	if c.Accounts.File == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.Accounts.File)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	key, err := crypto.ParseKey(c.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	box, err := crypto.NewSecretBox(key)
	if err != nil {
		return nil, err
	}

	return decodeAccounts(data, box, c.Accounts)
}

func decodeAccounts(data []byte, box *crypto.SecretBox, defaults AccountsConfig) ([]models.AccountCredentials, error) {
	var file struct {
		Accounts []models.AccountCredentials `json:"accounts"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	accounts := make([]models.AccountCredentials, 0, len(file.Accounts))
	for i, acc := range file.Accounts {
		var err error
		if acc.AccountID == "" || acc.Exchange == "" {
			return nil, fmt.Errorf("account #%d: account_id and exchange are required", i)
		}
		if seen[acc.AccountID] {
			return nil, fmt.Errorf("account %s: duplicate account_id", acc.AccountID)
		}
		seen[acc.AccountID] = true

		if acc.SecretKey != "" {
			if acc.SecretKey, err = box.Open(acc.SecretKey); err != nil {
				return nil, fmt.Errorf("account %s: secret_key: %w", acc.AccountID, err)
			}
		}
		if acc.Passphrase != "" {
			if acc.Passphrase, err = box.Open(acc.Passphrase); err != nil {
				return nil, fmt.Errorf("account %s: passphrase: %w", acc.AccountID, err)
			}
		}

		if acc.TokensPerSec <= 0 {
			acc.TokensPerSec = defaults.DefaultTokensPerSec
		}
		if acc.Burst <= 0 {
			acc.Burst = defaults.DefaultBurst
		}
		accounts = append(accounts, acc.WithDefaults())
	}
	return accounts, nil
}
