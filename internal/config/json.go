package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/droppoint/droppoint/internal/flagx"
	"github.com/droppoint/droppoint/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "15m" and integer nanoseconds.
//
// This struct is an intermediate DTO (Data Transfer Object) used only for
// reading JSON configuration files. After unmarshalling, its fields are
// copied into the runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN            string         `json:"database_dsn"`
	SweepInterval          timex.Duration `json:"sweep_interval"`
	CredentialSecret       string         `json:"credential_secret"`
	CredentialSalt         string         `json:"credential_salt"`
	TokenRefreshLeeway     timex.Duration `json:"token_refresh_leeway"`
	ProvisionRetryAttempts uint64         `json:"provision_retry_attempts"`
	ProvisionRetryBackoff  timex.Duration `json:"provision_retry_backoff"`
	PresignExpiry          timex.Duration `json:"presign_expiry"`
	S3AccessKeyID          string         `json:"s3_access_key_id"`
	S3SecretKey            string         `json:"s3_secret_key"`
	S3Bucket               string         `json:"s3_bucket"`
	S3Region               string         `json:"s3_region"`
	S3BaseEndpoint         string         `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The lookup order for the JSON file path is:
//
//	The -c or -config command-line flags.
//	If it is not set, no JSON file is loaded.
//
// If the file path is found, parseJson attempts to read and unmarshal it
// into a JsonConfig. The resulting values are copied into the target Config.
// If the file cannot be read or contains invalid JSON, the function panics.
//
// The caller is expected to merge these values with defaults and
// command-line flags as part of the full configuration process.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.SweepInterval = time.Duration(c.SweepInterval.Duration)
	config.CredentialSecret = c.CredentialSecret
	config.CredentialSalt = c.CredentialSalt
	config.TokenRefreshLeeway = time.Duration(c.TokenRefreshLeeway.Duration)
	config.ProvisionRetryAttempts = c.ProvisionRetryAttempts
	config.ProvisionRetryBackoff = time.Duration(c.ProvisionRetryBackoff.Duration)
	config.PresignExpiry = time.Duration(c.PresignExpiry.Duration)
	config.S3AccessKeyID = c.S3AccessKeyID
	config.S3SecretKey = c.S3SecretKey
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
}
