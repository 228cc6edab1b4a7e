// Package conversations derives a profile's conversation list from the message store
// at read time.
package conversations

import (
	"fmt"
	"sort"

	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/models"
)

const defaultPreviewLength = 80

type Store interface {
	Memberships(profileID string) ([]models.Membership, error)
	Summary(profileID string, m models.Membership) (*models.Message, int, error)
	GetGroup(groupID string) (models.Group, error)
}

type Presence interface {
	IsOnline(profileID string) bool
}

type Aggregator struct {
	store         Store
	presence      Presence
	previewLength int
}

func New(store Store, presence Presence, previewLength int) *Aggregator {
	if previewLength <= 0 {
		previewLength = defaultPreviewLength
	}
	return &Aggregator{
		store:         store,
		presence:      presence,
		previewLength: previewLength,
	}
}

// List returns one entry per direct counterpart or group of profileID, most recent
// activity first. Conversations without messages come last, ordered by title.
func (a *Aggregator) List(profileID string) ([]models.Conversation, error) {
	if err := models.ValidateID(profileID); err != nil {
		return nil, err
	}
	memberships, err := a.store.Memberships(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	result := make([]models.Conversation, 0, len(memberships))
	for _, m := range memberships {
		parsed, err := m.ConversationKey.Parse()
		if err != nil {
			return nil, err
		}

		conv := models.Conversation{Key: m.ConversationKey, Kind: parsed.Kind}
		switch parsed.Kind {
		case models.ConversationDirect:
			conv.CounterpartID = parsed.Counterpart(profileID)
			conv.Title = conv.CounterpartID
			conv.Online = a.presence.IsOnline(conv.CounterpartID)
		case models.ConversationGroup:
			group, err := a.store.GetGroup(parsed.GroupID)
			if err != nil {
				return nil, fmt.Errorf("failed to load group %s: %w", parsed.GroupID, err)
			}
			conv.GroupID = group.ID
			conv.Title = group.Name
		}

		latest, unread, err := a.store.Summary(profileID, m)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize %s: %w", m.ConversationKey, err)
		}
		if latest != nil {
			conv.LastMessage = chat.Present(latest)
			conv.Preview = a.preview(latest)
		}
		conv.UnreadCount = unread
		result = append(result, conv)
	}

	sort.SliceStable(result, func(i, j int) bool {
		li, lj := result[i].LastMessage, result[j].LastMessage
		switch {
		case li == nil && lj == nil:
			return result[i].Title < result[j].Title
		case li == nil:
			return false
		case lj == nil:
			return true
		}
		return lj.Before(*li)
	})
	return result, nil
}

func (a *Aggregator) preview(msg *models.Message) string {
	if msg.IsDeleted {
		return models.TombstoneContent
	}
	if text := content.Preview(msg.Content, a.previewLength); text != "" {
		return text
	}
	if len(msg.Attachments) > 0 {
		return "[" + string(msg.Attachments[0].Kind) + "] " + msg.Attachments[0].FileName
	}
	return ""
}
