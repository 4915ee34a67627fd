package event

// Provider identifies the external system that originated a notification.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// ChangeType is the kind of mailbox change a provider reported. Gmail does
// not report one; Outlook reports created/updated/deleted.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ValidChangeType reports whether s is one of the change types Outlook
// subscriptions can deliver.
func ValidChangeType(s string) bool {
	switch ChangeType(s) {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	default:
		return false
	}
}

// Event is the normalized record of "something changed in a mailbox" that
// flows from the ingestion endpoint to subscribers. Timestamp is assigned at
// receipt time (milliseconds since epoch) and doubles as the delivery cursor.
// An Event is immutable once appended to a store.
type Event struct {
	Provider   Provider   `json:"provider"`
	MessageID  string     `json:"messageId"`
	Timestamp  int64      `json:"timestamp"`
	ChangeType ChangeType `json:"changeType,omitempty"`
}
