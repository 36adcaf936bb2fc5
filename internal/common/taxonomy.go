package common

import (
	"errors"
	"fmt"
	"strings"
)

// RejectionCode is the machine-readable reason an upload, download, or
// portal-creation request was refused. Callers branch on the code; the
// paired human-readable reason is for display only and must never be
// parsed.
type RejectionCode string

const (
	RejectAccountNotFound      RejectionCode = "account_not_found"
	RejectAccountInactive      RejectionCode = "account_inactive"
	RejectAccountDisconnected  RejectionCode = "account_disconnected"
	RejectAccountError         RejectionCode = "account_error"
	RejectNoAvailableAccount   RejectionCode = "no_available_account"
	RejectNoAccountForProvider RejectionCode = "no_account_for_provider"
	RejectPortalInactive       RejectionCode = "portal_inactive"
	RejectAccountNotDeletable  RejectionCode = "account_not_deletable"
)

// Reason returns the user-facing text for the code.
func (c RejectionCode) Reason() string {
	switch c {
	case RejectAccountNotFound:
		return "storage account not found"
	case RejectAccountInactive:
		return "storage account is inactive"
	case RejectAccountDisconnected:
		return "storage account is disconnected"
	case RejectAccountError:
		return "storage account is in an error state"
	case RejectNoAvailableAccount:
		return "no active storage accounts available"
	case RejectNoAccountForProvider:
		return "no active storage account for the requested provider"
	case RejectPortalInactive:
		return "portal is deactivated"
	case RejectAccountNotDeletable:
		return "storage account cannot be deleted in its current state"
	default:
		return string(c)
	}
}

// StateBlockedError reports that a capability check refused an operation
// against a specific storage account.
type StateBlockedError struct {
	AccountID string
	Status    string
	Code      RejectionCode
}

func (e *StateBlockedError) Error() string {
	return fmt.Sprintf("account %s: %s", e.AccountID, e.Code.Reason())
}

// NoAvailableAccountError reports that binding resolution exhausted every
// fallback for an owner.
type NoAvailableAccountError struct {
	OwnerID  string
	Provider string
}

func (e *NoAvailableAccountError) Error() string {
	return fmt.Sprintf("owner %s: %s", e.OwnerID, RejectNoAvailableAccount.Reason())
}

// UpstreamAuthError reports that the external provider refused our
// credential. It is never retried inline; the owning account transitions
// to the error state instead.
type UpstreamAuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s auth failure: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s auth failure (status %d)", e.Provider, e.StatusCode)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// TransientError marks a store failure that is safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// authErrorHints are fragments that identify an expired or revoked OAuth
// credential in raw provider error text. Upstream responses are the one
// place where substring classification is unavoidable; engine-internal
// errors are always matched by type.
var authErrorHints = []string{
	"invalid_grant",
	"invalid_token",
	"token_expired",
	"token has been expired or revoked",
	"unauthorized",
	"access denied",
}

// IsUpstreamAuthError reports whether err looks like an expired/invalid
// credential: a typed UpstreamAuthError, any error exposing an HTTP 401 or
// 403 status, or raw provider text containing a known OAuth failure hint.
func IsUpstreamAuthError(err error) bool {
	if err == nil {
		return false
	}

	var authErr *UpstreamAuthError
	if errors.As(err, &authErr) {
		return true
	}

	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) {
		code := httpErr.HTTPStatusCode()
		if code == 401 || code == 403 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range authErrorHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err was marked retryable by a repository or
// service layer.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
