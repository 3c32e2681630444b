package solana

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sol "github.com/gagliardetto/solana-go"
)

// ParsePrivateKey accepts a base58 secret key or the JSON byte array written
// by solana-keygen.
func ParsePrivateKey(raw string) (sol.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("destination admin key is empty")
	}
	if strings.HasPrefix(trimmed, "[") {
		var bytes []byte
		var ints []int
		if err := json.Unmarshal([]byte(trimmed), &ints); err != nil {
			return nil, fmt.Errorf("keypair json: %w", err)
		}
		for _, value := range ints {
			if value < 0 || value > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range", value)
			}
			bytes = append(bytes, byte(value))
		}
		if len(bytes) != 64 {
			return nil, fmt.Errorf("keypair has %d bytes, want 64", len(bytes))
		}
		return sol.PrivateKey(bytes), nil
	}
	key, err := sol.PrivateKeyFromBase58(trimmed)
	if err != nil {
		return nil, fmt.Errorf("base58 key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("key has %d bytes, want 64", len(key))
	}
	return key, nil
}

func parsePublicKey(name, raw string) (sol.PublicKey, error) {
	key, err := sol.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}
