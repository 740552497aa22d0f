// Package domain holds the core data model shared across services,
// repositories and workers.
package domain

import "time"

// CampaignStatus is the lifecycle state of a marketing campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

// Campaign is a marketing email campaign with its aggregate counters.
// Counters are only mutated by the batch sender and the tracking event
// recorder; status and the paused flag are administrative.
type Campaign struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Subject          string         `json:"subject"`
	FromName         string         `json:"from_name"`
	FromEmail        string         `json:"from_email"`
	HTMLContent      string         `json:"html_content"`
	TextContent      string         `json:"text_content,omitempty"`
	Status           CampaignStatus `json:"status"`
	Paused           bool           `json:"paused"`
	SentCount        int            `json:"sent_count"`
	FailedCount      int            `json:"failed_count"`
	BounceCount      int            `json:"bounce_count"`
	OpenCount        int            `json:"open_count"`
	UniqueOpens      int            `json:"unique_opens"`
	ClickCount       int            `json:"click_count"`
	UniqueClicks     int            `json:"unique_clicks"`
	UnsubscribeCount int            `json:"unsubscribe_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SendStatus is the delivery state of a single recipient send.
// Transitions: PENDING→SENT, PENDING→BOUNCED, PENDING→FAILED. A send
// never reverts to an earlier state.
type SendStatus string

const (
	SendPending SendStatus = "PENDING"
	SendSent    SendStatus = "SENT"
	SendBounced SendStatus = "BOUNCED"
	SendFailed  SendStatus = "FAILED"
)

// EmailSend is the persistent per-recipient-per-campaign delivery record.
// TrackingID is the external correlation key for open/click/bounce events.
type EmailSend struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	UserID     string     `json:"user_id"`
	Email      string     `json:"email"`
	TrackingID string     `json:"tracking_id"`
	Status     SendStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	ClickedAt  *time.Time `json:"clicked_at,omitempty"`
	BouncedAt  *time.Time `json:"bounced_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// QueuedEmail is the transient record carried through the Redis send
// queue. It exists only between enqueue and terminal success/failure.
type QueuedEmail struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	TrackingID string `json:"tracking_id"`
	SendID     string `json:"send_id"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// SendFailure reports one failed dispatch for bulk persistence.
// Terminal failures move the send to FAILED; transient ones keep it
// PENDING with the attempt count and last error updated.
type SendFailure struct {
	SendID   string `json:"send_id"`
	Error    string `json:"error"`
	Terminal bool   `json:"terminal"`
	Attempts int    `json:"attempts"`
}

// EmailPreference is the per-user marketing consent record. A user with
// no row has never opted in and must not be mailed (explicit consent
// default).
type EmailPreference struct {
	UserID            string     `json:"user_id"`
	MarketingConsent  bool       `json:"marketing_consent"`
	ConsentGivenAt    *time.Time `json:"consent_given_at,omitempty"`
	ConsentSource     string     `json:"consent_source,omitempty"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty"`
	UnsubscribeReason string     `json:"unsubscribe_reason,omitempty"`
	UnsubscribeToken  string     `json:"unsubscribe_token"`
	SoftBounceCount   int        `json:"soft_bounce_count"`
	IsHardBounce      bool       `json:"is_hard_bounce"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EventType classifies tracking events.
type EventType string

const (
	EventOpened       EventType = "OPENED"
	EventClicked      EventType = "CLICKED"
	EventBounced      EventType = "BOUNCED"
	EventUnsubscribed EventType = "UNSUBSCRIBED"
)

// EmailEvent is one row of the append-only tracking event log, keyed by
// the send it belongs to. First marks the first occurrence of the event
// type for that send.
type EmailEvent struct {
	ID         string    `json:"id"`
	SendID     string    `json:"send_id"`
	Type       EventType `json:"type"`
	First      bool      `json:"first"`
	IPHash     string    `json:"ip_hash,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	URL        string    `json:"url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recipient is the resolved identity used to personalize a send. The
// unsubscribe token comes from the recipient's preference row.
type Recipient struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	UnsubscribeToken string `json:"-"`
}
