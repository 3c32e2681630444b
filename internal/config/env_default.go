//go:build !dev

package config

// loadDotEnv is a no-op outside dev builds; production reads the environment only.
func loadDotEnv(string) error {
	return nil
}
