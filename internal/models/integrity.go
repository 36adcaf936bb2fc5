package models

// IssueKind classifies a consistency violation found by the validator.
type IssueKind string

const (
	IssueMissingBinding   IssueKind = "missing_binding"
	IssueAccountMissing   IssueKind = "account_missing"
	IssueProviderMismatch IssueKind = "provider_mismatch"
	IssueOwnerMismatch    IssueKind = "owner_mismatch"
)

// IntegrityIssue describes one inconsistency between a file or portal and
// its bound account. The validator reports, it never repairs.
type IntegrityIssue struct {
	Kind IssueKind
	// Resource is the entity kind the issue was found on, "file" or
	// "portal".
	Resource   string
	ResourceID string
	Detail     string
	Suggestion string
}
