// Package email renders coaching emails and hands them to a mail provider.
package email

import "context"

type Message struct {
	To      string
	Subject string
	HTML    string

	// Tags are passed to providers that support them, for webhook filtering.
	Tags map[string]string
}

// Result carries the provider's id for the accepted message, used to match
// later delivery webhooks. It may be empty for providers that do not
// report one.
type Result struct {
	ProviderMessageID string
}

// Transmitter must return an error for any provider-side rejection.
type Transmitter interface {
	Send(ctx context.Context, msg Message) (Result, error)
}
