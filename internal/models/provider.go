package models

// Provider identifies an external service a credential belongs to.
type Provider string

const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderDropbox     Provider = "dropbox"
	ProviderS3          Provider = "s3"

	// ProviderGoogleSignIn is a sign-in-only credential. It never backs a
	// storage account and provisioning skips it.
	ProviderGoogleSignIn Provider = "google"
)

func (p Provider) String() string { return string(p) }

var storageProviders = map[Provider]bool{
	ProviderGoogleDrive: true,
	ProviderDropbox:     true,
	ProviderS3:          true,
}

// IsStorage reports whether credentials for p should produce a storage
// account. Sign-in-only providers return false.
func (p Provider) IsStorage() bool {
	return storageProviders[p]
}
