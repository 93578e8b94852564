package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file at the given path
// before the registry pre-checks any photon, so operators can provision
// photon configuration the same way as process-level secrets. A missing
// .env file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
