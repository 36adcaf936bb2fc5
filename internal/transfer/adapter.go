// Package transfer defines the uniform adapter contract the engine uses
// to talk to storage providers, and an S3 implementation of it. The
// engine itself never sees provider wire formats; it hands an adapter a
// bearer token and gets back URLs and metadata.
package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/droppoint/droppoint/internal/models"
)

// ErrRefreshUnsupported is returned by adapters whose provider has no
// refreshable tokens, such as S3 static credentials.
var ErrRefreshUnsupported = errors.New("transfer: provider does not support token refresh")

// UploadTarget tells the client where to send file bytes. The engine
// stamps the file's account binding before this is ever issued.
type UploadTarget struct {
	StorageKey string
	URL        string
	Method     string
	Header     http.Header
	ExpiresAt  time.Time
}

// DownloadResult is a short-lived URL for fetching a stored file.
type DownloadResult struct {
	URL       string
	ExpiresAt time.Time
}

// Folder is one directory-like node in the provider.
type Folder struct {
	ID   string
	Name string
	Path string
}

// AccountInfo identifies the external account a token belongs to.
type AccountInfo struct {
	ExternalAccountID string
	DisplayName       string
	Email             string
}

// RefreshedToken is the result of exchanging a refresh token.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Adapter is the uniform per-provider transfer surface. Implementations
// are stateless; every call carries the token to act under.
type Adapter interface {
	Provider() models.Provider
	Upload(ctx context.Context, token *models.ProviderToken, name string, size int64) (*UploadTarget, error)
	Download(ctx context.Context, token *models.ProviderToken, externalFileID string) (*DownloadResult, error)
	ListFolders(ctx context.Context, token *models.ProviderToken, parentID string) ([]*Folder, error)
	CreateFolder(ctx context.Context, token *models.ProviderToken, name string, parentID string) (*Folder, error)
	GetAccountInfo(ctx context.Context, token *models.ProviderToken) (*AccountInfo, error)
	RefreshToken(ctx context.Context, refreshToken string) (*RefreshedToken, error)
}
