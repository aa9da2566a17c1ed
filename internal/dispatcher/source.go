package dispatcher

import (
	"context"

	"github.com/foxzi/zapcast/internal/models"
)

// ContactLister lists tenant contacts
type ContactLister interface {
	List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, error)
}

// ContactSource resolves a campaign audience from the contacts table.
// Explicit contact ids and the group filter are combined with AND.
type ContactSource struct {
	contacts ContactLister
}

// NewContactSource creates a recipient source over contacts
func NewContactSource(contacts ContactLister) *ContactSource {
	return &ContactSource{contacts: contacts}
}

// Recipients returns the audience in a stable order
func (s *ContactSource) Recipients(ctx context.Context, c *models.Campaign) ([]models.Recipient, error) {
	contacts, err := s.contacts.List(ctx, models.ContactListFilter{
		TenantID: c.TenantID,
		Group:    c.ContactGroup,
		IDs:      c.ContactIDs,
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Recipient, 0, len(contacts))
	for _, ct := range contacts {
		if ct.Phone == "" {
			continue
		}
		out = append(out, models.Recipient{
			ID:    ct.ID,
			Name:  ct.Name,
			Phone: ct.Phone,
			Email: ct.Email,
			Group: ct.Group,
		})
	}
	return out, nil
}
