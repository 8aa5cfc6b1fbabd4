// Package notify delivers rendered notifications to external webhook
// providers and records every terminal outcome in the history log.
package notify

import (
	"context"
	"fmt"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Provider sends notifications through one webhook channel. The
// endpoint string is the webhook's decrypted secret blob; its shape is
// provider-specific (a bare URL for discord, a JSON document for
// telegram and gotify).
type Provider interface {
	Name() string
	Send(ctx context.Context, endpoint string, n model.Notification) error
	TestConnection(ctx context.Context, endpoint string) error
}

// ForProvider returns the implementation matching a webhook's provider
// type. The set is closed; adding a provider means adding a case here.
func ForProvider(name string) (Provider, error) {
	switch name {
	case model.ProviderDiscord:
		return NewDiscord(), nil
	case model.ProviderTelegram:
		return NewTelegram(), nil
	case model.ProviderGotify:
		return NewGotify(), nil
	default:
		return nil, fmt.Errorf("unknown notification provider %q", name)
	}
}
