package models

// AuditLevel controls how many historical rows are written per task.
type AuditLevel string

const (
	// AuditFull records every status transition and every run.
	AuditFull AuditLevel = "full"

	// AuditMinimal records only failures and service stops for status
	// audits, but all runs.
	AuditMinimal AuditLevel = "minimal"

	// AuditErrorsOnly records only failures in both audit streams.
	AuditErrorsOnly AuditLevel = "errors_only"

	// AuditNone suppresses all audit rows.
	AuditNone AuditLevel = "none"
)

// RecordsStatus reports whether a transition to the given status should be
// audited under this level.
func (l AuditLevel) RecordsStatus(status TaskStatus) bool {
	switch l {
	case AuditFull:
		return true
	case AuditMinimal:
		return status == StatusFailed || status == StatusServiceStopped
	case AuditErrorsOnly:
		return status == StatusFailed
	case AuditNone:
		return false
	default:
		return true
	}
}

// RecordsRun reports whether a run completion with the given status should
// be audited under this level.
func (l AuditLevel) RecordsRun(status TaskStatus) bool {
	switch l {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return status == StatusFailed
	case AuditNone:
		return false
	default:
		return true
	}
}
