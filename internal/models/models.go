package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TombstoneContent replaces the content of a soft-deleted message.
const TombstoneContent = "[deleted]"

// Presence represents the online status of a profile.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// Target addresses a message either to one profile or to a group.
// Exactly one of the fields must be set.
type Target struct {
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

func (t Target) Validate() error {
	switch {
	case t.ReceiverID != "" && t.GroupID != "":
		return fmt.Errorf("%w: receiverId and groupId are mutually exclusive", ErrValidation)
	case t.ReceiverID == "" && t.GroupID == "":
		return fmt.Errorf("%w: either receiverId or groupId is required", ErrValidation)
	}
	return nil
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ConversationKey identifies a conversation. Direct conversations are keyed by the
// sorted participant pair, groups by group id; the two key spaces never collide.
type ConversationKey string

const (
	directPrefix = "dm:"
	groupPrefix  = "group:"
)

func DirectKey(a, b string) ConversationKey {
	ids := []string{a, b}
	sort.Strings(ids)
	return ConversationKey(directPrefix + ids[0] + ":" + ids[1])
}

func GroupKey(groupID string) ConversationKey {
	return ConversationKey(groupPrefix + groupID)
}

// KeyFor returns the conversation key a message from senderID to t belongs to.
func KeyFor(senderID string, t Target) ConversationKey {
	if t.GroupID != "" {
		return GroupKey(t.GroupID)
	}
	return DirectKey(senderID, t.ReceiverID)
}

// ParsedKey is the decoded form of a ConversationKey.
type ParsedKey struct {
	Kind    ConversationKind
	GroupID string
	Members [2]string
}

// Has reports whether profileID is one of the direct participants.
func (p ParsedKey) Has(profileID string) bool {
	return p.Kind == ConversationDirect && (p.Members[0] == profileID || p.Members[1] == profileID)
}

// Counterpart returns the other participant of a direct conversation.
func (p ParsedKey) Counterpart(profileID string) string {
	if p.Members[0] == profileID {
		return p.Members[1]
	}
	return p.Members[0]
}

func (k ConversationKey) Parse() (ParsedKey, error) {
	s := string(k)
	switch {
	case strings.HasPrefix(s, directPrefix):
		parts := strings.Split(strings.TrimPrefix(s, directPrefix), ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ParsedKey{}, fmt.Errorf("%w: malformed conversation key %q", ErrValidation, s)
		}
		return ParsedKey{Kind: ConversationDirect, Members: [2]string{parts[0], parts[1]}}, nil
	case strings.HasPrefix(s, groupPrefix):
		id := strings.TrimPrefix(s, groupPrefix)
		if id == "" || strings.Contains(id, ":") {
			return ParsedKey{}, fmt.Errorf("%w: malformed conversation key %q", ErrValidation, s)
		}
		return ParsedKey{Kind: ConversationGroup, GroupID: id}, nil
	}
	return ParsedKey{}, fmt.Errorf("%w: unknown conversation key %q", ErrValidation, s)
}

// ValidateID rejects identifiers that cannot be embedded in a conversation key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrValidation)
	}
	if strings.Contains(id, ":") {
		return fmt.Errorf("%w: id %q contains ':'", ErrValidation, id)
	}
	return nil
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Attachment is a stored file embedded in a message. Descriptors returned by an upload
// have no Order yet; it is assigned when the message is appended.
type Attachment struct {
	FilePath string    `json:"filePath"`
	FileName string    `json:"fileName"`
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mimeType,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Order    int       `json:"order"`
}

// Receipt records when a profile read a message.
type Receipt struct {
	ProfileID string    `json:"profileId"`
	ReadAt    time.Time `json:"readAt"`
}

type Reaction struct {
	ProfileID string `json:"profileId"`
	Kind      string `json:"kind"`
}

// Message represents a chat message.
type Message struct {
	ID              string          `json:"id"`
	ConversationKey ConversationKey `json:"conversationKey"`
	SenderID        string          `json:"senderId"`
	ReceiverID      string          `json:"receiverId,omitempty"`
	GroupID         string          `json:"groupId,omitempty"`
	Content         string          `json:"content"`
	HTML            string          `json:"html,omitempty"`
	SentAt          time.Time       `json:"sentAt"`
	Seq             uint64          `json:"seq"`
	EditedAt        *time.Time      `json:"editedAt,omitempty"`
	IsDeleted       bool            `json:"isDeleted"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Receipts        []Receipt       `json:"receipts,omitempty"`
	Reactions       []Reaction      `json:"reactions,omitempty"`
	ClientToken     string          `json:"clientToken,omitempty"`
}

func (m Message) IsEdited() bool {
	return m.EditedAt != nil
}

func (m Message) Target() Target {
	return Target{ReceiverID: m.ReceiverID, GroupID: m.GroupID}
}

// Before reports whether m precedes o in the store's total order.
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.Seq < o.Seq
}

// Conversation is derived on read from the message store.
type Conversation struct {
	Key           ConversationKey  `json:"key"`
	Kind          ConversationKind `json:"kind"`
	Title         string           `json:"title"`
	CounterpartID string           `json:"counterpartId,omitempty"`
	GroupID       string           `json:"groupId,omitempty"`
	LastMessage   *Message         `json:"lastMessage,omitempty"`
	Preview       string           `json:"preview,omitempty"`
	UnreadCount   int              `json:"unreadCount"`
	Online        bool             `json:"online,omitempty"` // Optional, for direct conversations
}

// Membership links a profile to a conversation it takes part in.
type Membership struct {
	ConversationKey ConversationKey `json:"conversationKey"`
	JoinedAt        int64           `json:"joinedAt"` // Unix milliseconds
	JoinSeq         uint64          `json:"-"`
}

// Group is a named set of member profiles.
type Group struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Members map[string]int64 `json:"members"` // profileID -> joined at (unix ms)
}

// PushSubscription is a browser web push endpoint registered by a profile.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256dh   string `json:"p256dh"`
}

// APIResponse is the generic JSON body of admin and query endpoints.
type APIResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
