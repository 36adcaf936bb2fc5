package config

import (
	"flag"
	"os"
	"time"

	"github.com/droppoint/droppoint/internal/flagx"
)

// parseFlags populates selected engine Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-i int      reconciliation sweep interval, minutes
//	-s string   credential sealing secret
//	-l string   credential sealing salt
//	-t int      token refresh leeway, minutes
//	-r uint     provision retry attempts
//	-w int      provision retry backoff, seconds
//	-x int      presigned URL expiry, minutes
//	-u string   S3 access key id
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers (minutes or seconds as noted)
//     and then converted to time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-i", "-s", "-l", "-t", "-r", "-w", "-x", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.CredentialSecret, "s", config.CredentialSecret, "credential sealing secret")
	fs.StringVar(&config.CredentialSalt, "l", config.CredentialSalt, "credential sealing salt")

	sweepInterval := fs.Int("i", int(config.SweepInterval.Minutes()), "sweep_interval (in minutes)")
	tokenRefreshLeeway := fs.Int("t", int(config.TokenRefreshLeeway.Minutes()), "token_refresh_leeway (in minutes)")
	retryBackoff := fs.Int("w", int(config.ProvisionRetryBackoff.Seconds()), "provision_retry_backoff (in seconds)")
	presignExpiry := fs.Int("x", int(config.PresignExpiry.Minutes()), "presign_expiry (in minutes)")

	fs.Uint64Var(&config.ProvisionRetryAttempts, "r", config.ProvisionRetryAttempts, "provision retry attempts")

	fs.StringVar(&config.S3AccessKeyID, "u", config.S3AccessKeyID, "S3 access key id")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
	config.TokenRefreshLeeway = time.Duration(*tokenRefreshLeeway) * time.Minute
	config.ProvisionRetryBackoff = time.Duration(*retryBackoff) * time.Second
	config.PresignExpiry = time.Duration(*presignExpiry) * time.Minute
}
