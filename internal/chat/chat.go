// Package chat routes client actions: it persists them through the message store
// and then fans the resulting events out to every live connection of every
// conversation participant.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"parley/internal/content"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/storage"
)

type Store interface {
	Append(req storage.AppendRequest) (models.Message, error)
	Edit(messageID, requesterID, content string) (models.Message, error)
	SoftDelete(messageID, requesterID string) (models.Message, bool, error)
	GetMessage(messageID string) (models.Message, error)
	MarkRead(key models.ConversationKey, profileID, upToMessageID string) (bool, error)
	React(messageID, profileID, kind string) (models.Message, error)
}

// Membership resolves the members of a group.
type Membership interface {
	MembersOf(groupID string) ([]string, error)
}

// Files looks up uploaded file metadata referenced by attachments.
type Files interface {
	GetFileMetadata(id string) (storage.FileMetadata, error)
}

type Connections interface {
	IsOnline(profileID string) bool
	ConnectionsFor(profileID string) []registry.Handle
}

// Notifier is told about new messages for participants that have no live connection.
type Notifier interface {
	Notify(ctx context.Context, profileID string, msg models.Message)
}

type Config struct {
	Store       Store
	Membership  Membership
	Files       Files
	Connections Connections
	Notifier    Notifier // optional

	MaxContentLength int // in runes, 0 means unlimited
	MaxAttachments   int // per message, 0 means unlimited
}

type Router struct {
	store    Store
	members  Membership
	files    Files
	conns    Connections
	notifier Notifier

	maxContent     int
	maxAttachments int

	mu    sync.Mutex
	locks map[models.ConversationKey]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func New(config Config) *Router {
	return &Router{
		store:          config.Store,
		members:        config.Membership,
		files:          config.Files,
		conns:          config.Connections,
		notifier:       config.Notifier,
		maxContent:     config.MaxContentLength,
		maxAttachments: config.MaxAttachments,
		locks:          make(map[models.ConversationKey]*conversationLock),
	}
}

// Handle runs one client action on behalf of profileID. The outcome, an ack or an
// error event, goes to origin only; successful actions are also fanned out.
func (r *Router) Handle(ctx context.Context, origin registry.Handle, profileID string, msg models.ClientMessage) {
	var (
		result *models.Message
		err    error
	)

	if !r.conns.IsOnline(profileID) {
		err = fmt.Errorf("%w: %s has no live session", models.ErrUnauthorized, profileID)
	} else {
		switch msg.Type {
		case models.ClientMessageTypeSend:
			result, err = r.Send(ctx, profileID, msg)
		case models.ClientMessageTypeEdit:
			result, err = r.Edit(profileID, msg.MessageID, msg.Content)
		case models.ClientMessageTypeDelete:
			err = r.Delete(profileID, msg.MessageID)
		case models.ClientMessageTypeMarkRead:
			err = r.MarkRead(profileID, msg.ConversationKey, msg.UpToMessageID)
		case models.ClientMessageTypeReact:
			result, err = r.React(profileID, msg.MessageID, msg.Reaction)
		default:
			err = fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type)
		}
	}

	metrics.Actions.WithLabelValues(string(msg.Type), resultLabel(err)).Inc()

	if err != nil {
		if errors.Is(err, models.ErrStorage) {
			slog.Error("action failed", "type", msg.Type, "profile_id", profileID, "error", err)
		} else {
			slog.Debug("action rejected", "type", msg.Type, "profile_id", profileID, "error", err)
		}
		origin.Send(models.ErrorEvent(msg.RequestID, err))
		return
	}

	origin.Send(models.ServerMessage{
		Type:      models.ServerMessageTypeAck,
		RequestID: msg.RequestID,
		Message:   result,
	})
}

// Send persists a new message and pushes messageCreated to all participants.
func (r *Router) Send(ctx context.Context, senderID string, msg models.ClientMessage) (*models.Message, error) {
	if err := msg.Target.Validate(); err != nil {
		return nil, err
	}
	text, err := r.prepareContent(msg.Content)
	if err != nil {
		return nil, err
	}
	attachments, err := r.resolveAttachments(msg.Attachments)
	if err != nil {
		return nil, err
	}

	key := models.KeyFor(senderID, msg.Target)
	unlock := r.lock(key)
	defer unlock()

	stored, err := r.store.Append(storage.AppendRequest{
		SenderID:    senderID,
		Target:      msg.Target,
		Content:     text,
		Attachments: attachments,
		ClientToken: msg.ClientToken,
	})
	if err != nil {
		return nil, err
	}

	participants, err := r.participants(stored)
	if err != nil {
		// Persisted already; the participants will see it on their next fetch.
		slog.Error("failed to resolve participants", "message_id", stored.ID, "error", err)
		return Present(&stored), nil
	}

	event := models.ServerMessage{Type: models.ServerMessageTypeCreated, Message: Present(&stored)}
	for _, p := range participants {
		handles := r.conns.ConnectionsFor(p)
		if len(handles) == 0 && p != senderID && r.notifier != nil {
			r.notifier.Notify(ctx, p, stored)
			continue
		}
		registry.Deliver(handles, event)
	}
	return event.Message, nil
}

// Edit replaces the content of a message and pushes messageEdited.
func (r *Router) Edit(requesterID, messageID, text string) (*models.Message, error) {
	text, err := r.prepareContent(text)
	if err != nil {
		return nil, err
	}
	existing, err := r.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	unlock := r.lock(existing.ConversationKey)
	defer unlock()

	edited, err := r.store.Edit(messageID, requesterID, text)
	if err != nil {
		return nil, err
	}
	r.fanOut(edited, models.ServerMessage{Type: models.ServerMessageTypeEdited, Message: Present(&edited)})
	return Present(&edited), nil
}

// Delete tombstones a message and pushes messageDeleted. Deleting a message that
// is already deleted succeeds without a second event.
func (r *Router) Delete(requesterID, messageID string) error {
	existing, err := r.store.GetMessage(messageID)
	if err != nil {
		return err
	}

	unlock := r.lock(existing.ConversationKey)
	defer unlock()

	deleted, changed, err := r.store.SoftDelete(messageID, requesterID)
	if err != nil || !changed {
		return err
	}
	r.fanOut(deleted, models.ServerMessage{
		Type:            models.ServerMessageTypeDeleted,
		MessageID:       deleted.ID,
		ConversationKey: deleted.ConversationKey,
	})
	return nil
}

// MarkRead advances the read marker and pushes receiptUpdated when it moved.
func (r *Router) MarkRead(profileID string, key models.ConversationKey, upToMessageID string) error {
	parsed, err := key.Parse()
	if err != nil {
		return err
	}
	if upToMessageID == "" {
		return fmt.Errorf("%w: upToMessageId is required", models.ErrValidation)
	}

	unlock := r.lock(key)
	defer unlock()

	advanced, err := r.store.MarkRead(key, profileID, upToMessageID)
	if err != nil || !advanced {
		return err
	}

	var participants []string
	if parsed.Kind == models.ConversationGroup {
		participants, err = r.members.MembersOf(parsed.GroupID)
		if err != nil {
			slog.Error("failed to resolve group members", "group_id", parsed.GroupID, "error", err)
			return nil
		}
	} else {
		participants = parsed.Members[:]
	}

	event := models.ServerMessage{
		Type:            models.ServerMessageTypeReceipt,
		ConversationKey: key,
		ProfileID:       profileID,
		UpToMessageID:   upToMessageID,
	}
	for _, p := range participants {
		registry.Deliver(r.conns.ConnectionsFor(p), event)
	}
	return nil
}

// React sets or clears the requester's reaction and pushes reactionUpdated.
func (r *Router) React(profileID, messageID, kind string) (*models.Message, error) {
	kind = strings.TrimSpace(kind)
	if utf8.RuneCountInString(kind) > 32 {
		return nil, fmt.Errorf("%w: reaction is too long", models.ErrValidation)
	}
	existing, err := r.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	unlock := r.lock(existing.ConversationKey)
	defer unlock()

	updated, err := r.store.React(messageID, profileID, kind)
	if err != nil {
		return nil, err
	}
	r.fanOut(updated, models.ServerMessage{Type: models.ServerMessageTypeReaction, Message: Present(&updated)})
	return Present(&updated), nil
}

// Present returns a copy of msg ready to be sent to clients.
func Present(msg *models.Message) *models.Message {
	out := *msg
	if !out.IsDeleted {
		out.HTML = content.Render(out.Content)
	}
	return &out
}

func (r *Router) fanOut(msg models.Message, event models.ServerMessage) {
	participants, err := r.participants(msg)
	if err != nil {
		slog.Error("failed to resolve participants", "message_id", msg.ID, "error", err)
		return
	}
	for _, p := range participants {
		registry.Deliver(r.conns.ConnectionsFor(p), event)
	}
}

// participants returns the profiles that receive events about msg. For groups the
// sender is included even if it has left since.
func (r *Router) participants(msg models.Message) ([]string, error) {
	if msg.GroupID == "" {
		return []string{msg.SenderID, msg.ReceiverID}, nil
	}
	members, err := r.members.MembersOf(msg.GroupID)
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		if id == msg.SenderID {
			return members, nil
		}
	}
	return append(members, msg.SenderID), nil
}

func (r *Router) prepareContent(text string) (string, error) {
	text = strings.TrimSpace(content.Sanitize(text))
	if r.maxContent > 0 && utf8.RuneCountInString(text) > r.maxContent {
		return "", fmt.Errorf("%w: content exceeds %d characters", models.ErrValidation, r.maxContent)
	}
	return text, nil
}

// resolveAttachments replaces client supplied descriptors with the stored file
// metadata. Files are content addressed, so any uploaded file may be attached.
func (r *Router) resolveAttachments(in []models.Attachment) ([]models.Attachment, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if r.maxAttachments > 0 && len(in) > r.maxAttachments {
		return nil, fmt.Errorf("%w: at most %d attachments per message", models.ErrValidation, r.maxAttachments)
	}
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		if a.FilePath == "" {
			return nil, fmt.Errorf("%w: attachment without file path", models.ErrValidation)
		}
		meta, err := r.files.GetFileMetadata(a.FilePath)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Attachment{
			FilePath: meta.ID,
			FileName: meta.Name,
			Kind:     models.MediaKind(meta.Kind),
			MimeType: meta.MimeType,
			Size:     meta.Size,
		})
	}
	return out, nil
}

// lock serializes persist and fan-out per conversation so that every participant
// observes events in store order.
func (r *Router) lock(key models.ConversationKey) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &conversationLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return models.ErrorCode(err)
}
