// Package guard decides whether a recipient may be messaged and in which form.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/zapcast/internal/models"
)

// Denial reasons stored on failed campaign messages
const (
	ReasonOptedOut      = "opted_out"
	ReasonSessionClosed = "session_closed: use template"
	ReasonOptInMissing  = "opt_in_missing"
)

// Decision is the outcome of a send check
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Policy holds the tunable parts of the check
type Policy struct {
	// RequireOptIn denies contacts whose consent was never recorded
	RequireOptIn bool
}

// CanSend applies the opt-in and session rules. A nil contact counts as
// unknown consent, a nil conversation as a closed session.
func (p Policy) CanSend(contact *models.Contact, conv *models.Conversation, kind models.MessageKind, now time.Time) Decision {
	status := models.OptInUnknown
	if contact != nil && contact.OptInStatus != "" {
		status = contact.OptInStatus
	}

	switch status {
	case models.OptInRevoked:
		return deny(ReasonOptedOut)
	case models.OptInUnknown:
		if p.RequireOptIn {
			return deny(ReasonOptInMissing)
		}
	}

	if kind == models.KindTemplate {
		return allow()
	}

	if !conv.SessionOpen(now) {
		return deny(ReasonSessionClosed)
	}
	return allow()
}

// ContactStore loads contacts
type ContactStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error)
}

// ConversationStore loads conversation sessions
type ConversationStore interface {
	Get(ctx context.Context, tenantID, contactID string) (*models.Conversation, error)
}

// Guard evaluates the policy against stored contact state
type Guard struct {
	policy        Policy
	contacts      ContactStore
	conversations ConversationStore
	now           func() time.Time
}

// New creates a guard
func New(policy Policy, contacts ContactStore, conversations ConversationStore) *Guard {
	return &Guard{
		policy:        policy,
		contacts:      contacts,
		conversations: conversations,
		now:           time.Now,
	}
}

// Check loads the contact and its conversation and applies the policy.
// Consent is read at call time so an opt-out lands before the next send.
func (g *Guard) Check(ctx context.Context, tenantID, contactID string, kind models.MessageKind) (Decision, error) {
	contact, err := g.contacts.GetByID(ctx, tenantID, contactID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load contact: %w", err)
	}

	conv, err := g.conversations.Get(ctx, tenantID, contactID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	return g.policy.CanSend(contact, conv, kind, g.now()), nil
}
