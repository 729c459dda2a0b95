package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Structs

// Env holds information specific to the
// system where cosync is deployed. This
// enables host adaptions without needing
// to maintain two different config files.
// Use the .env file to populate secrets
// within the system.
type Env struct {
	Secret           string
	PostgresPassword string
	RedisPassword    string
}

// Functions

// LoadEnv reads in all values defined in the .env file at
// path. Variables already set in the process environment
// win over the file.
func LoadEnv(path string) (*Env, error) {

	// Load environment file.
	err := godotenv.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read in env file '%s'", path)
	}

	return &Env{
		Secret:           os.Getenv("SECRET"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}, nil
}
