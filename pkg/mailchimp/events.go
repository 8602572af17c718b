package mailchimp

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Event types sent by Mailchimp list webhooks.
const (
	EventTypeSubscribe   = "subscribe"
	EventTypeUnsubscribe = "unsubscribe"
	EventTypeProfile     = "profile"
	EventTypeUpEmail     = "upemail"
	EventTypeCleaned     = "cleaned"
	EventTypeCampaign    = "campaign"
)

// firedAtLayout is the format of the fired_at webhook field, in UTC.
const firedAtLayout = "2006-01-02 15:04:05"

// WebhookEvent is a list webhook delivery. Mailchimp posts these as
// application/x-www-form-urlencoded forms with data[...] keys.
type WebhookEvent struct {
	Type    string
	FiredAt time.Time

	ListID    string
	MemberID  string
	Email     string
	EmailType string

	// Action and Reason are set on unsubscribe and cleaned events.
	Action string
	Reason string

	// NewEmail and OldEmail are set on upemail events.
	NewEmail string
	OldEmail string

	// Merges holds data[merges][TAG] values, keyed by TAG.
	Merges map[string]string
}

// ParseWebhookEvent decodes a webhook form.
func ParseWebhookEvent(form url.Values) (*WebhookEvent, error) {
	eventType := form.Get("type")
	if eventType == "" {
		return nil, fmt.Errorf("webhook event type is required")
	}

	event := &WebhookEvent{
		Type:      eventType,
		ListID:    form.Get("data[list_id]"),
		MemberID:  form.Get("data[id]"),
		Email:     form.Get("data[email]"),
		EmailType: form.Get("data[email_type]"),
		Action:    form.Get("data[action]"),
		Reason:    form.Get("data[reason]"),
		NewEmail:  form.Get("data[new_email]"),
		OldEmail:  form.Get("data[old_email]"),
		Merges:    map[string]string{},
	}

	if firedAt := form.Get("fired_at"); firedAt != "" {
		t, err := time.ParseInLocation(firedAtLayout, firedAt, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid fired_at %q: %w", firedAt, err)
		}
		event.FiredAt = t
	}

	const mergesPrefix = "data[merges]["
	for key := range form {
		if !strings.HasPrefix(key, mergesPrefix) || !strings.HasSuffix(key, "]") {
			continue
		}
		tag := strings.TrimSuffix(strings.TrimPrefix(key, mergesPrefix), "]")
		// Nested merge fields such as GROUPINGS are flattened by Mailchimp into
		// deeper keys; only scalar tags are kept.
		if tag == "" || strings.Contains(tag, "[") {
			continue
		}
		event.Merges[tag] = form.Get(key)
	}

	return event, nil
}
