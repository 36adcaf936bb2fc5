package cryptox

import "golang.org/x/crypto/argon2"

// DeriveKey stretches the service secret into a 32-byte AES-256 key using
// Argon2id. The same secret and salt always produce the same key, so a
// restarted service can open credentials sealed by a previous run.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}
