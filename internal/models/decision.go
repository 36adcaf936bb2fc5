package models

import "github.com/droppoint/droppoint/internal/common"

// SuggestedAction is a machine-readable next step offered alongside a
// rejection. The UI maps these to buttons.
type SuggestedAction string

const (
	ActionReconnectAccount  SuggestedAction = "reconnect_account"
	ActionReactivateAccount SuggestedAction = "reactivate_account"
	ActionRebindPortal      SuggestedAction = "rebind_portal"
	ActionConnectProvider   SuggestedAction = "connect_provider"
	ActionReactivatePortal  SuggestedAction = "reactivate_portal"
)

// Decision is the outcome of upload acceptance resolution. On rejection
// the Code is stable for callers to branch on, Reason is the user text,
// and SuggestedActions lists what would unblock the portal.
type Decision struct {
	Accepted           bool
	StorageAccountID   string
	Code               common.RejectionCode
	Reason             string
	RequiresUserAction bool
	SuggestedActions   []SuggestedAction
}

// Accept builds an accepting decision bound to the given account.
func Accept(accountID string) Decision {
	return Decision{Accepted: true, StorageAccountID: accountID}
}

// Eligibility is the outcome of download resolution. RequiresAuth tells
// the caller that prompting the owner to reconnect would make the file
// reachable again.
type Eligibility struct {
	Allowed      bool
	RequiresAuth bool
	Code         common.RejectionCode
	Reason       string
}
