package models

import "time"

// ExternalCredential is an identity-provider token pair the engine reads
// but never owns. Token material is sealed at rest; the nonce columns
// belong to the corresponding ciphertext.
type ExternalCredential struct {
	ID                string
	OwnerID           string
	Provider          Provider
	ExternalAccountID string
	Email             string
	AccessToken       []byte
	AccessNonce       []byte
	RefreshToken      []byte
	RefreshNonce      []byte
	IDToken           string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProviderToken is an unsealed bearer token handed to transfer adapters.
type ProviderToken struct {
	Provider          Provider
	ExternalAccountID string
	AccessToken       string
	ExpiresAt         time.Time
}
