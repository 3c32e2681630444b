package config

import (
	"fmt"
	"os"
)

// EnvFileVar points dev builds at an env file other than ./.env.
const EnvFileVar = "TOKENRELAY_ENV_FILE"

// LoadFromEnv reads the process environment. Dev builds first merge the env
// file without overriding variables that are already set.
func LoadFromEnv() (Config, error) {
	if err := loadDotEnv(envFile()); err != nil {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return Load(FromEnviron())
}

func envFile() string {
	if path := os.Getenv(EnvFileVar); path != "" {
		return path
	}
	return ".env"
}
