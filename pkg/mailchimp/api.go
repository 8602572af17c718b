package mailchimp

import "context"

// ProviderName identifies Mailchimp in Milo provider references.
const ProviderName = "Mailchimp"

// Requester issues a single call against the Mailchimp 2.0 API.
type Requester interface {
	// Request merges the API key into payload, POSTs it as JSON to the given
	// API call path (e.g. "lists/subscribe") and returns the raw response body.
	Request(ctx context.Context, apiCall string, payload map[string]any) (string, error)
}

// API hands out resource clients bound to one transport.
//
// Resource clients carry mutable call-scope state and are not safe for
// concurrent use. Every call returns a fresh instance, so callers should
// request one per logical operation.
type API interface {
	// Lists returns a Lists client targeting the default list.
	Lists() *Lists

	// Templates returns a Templates client with no template selected.
	Templates() *Templates
}
