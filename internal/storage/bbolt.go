package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketMessages             = []byte("messages")
	bucketMessageIndex         = []byte("message_index")
	bucketReadMarkers          = []byte("read_markers")
	bucketProfileConversations = []byte("profile_conversations")
	bucketGroups               = []byte("groups")
	bucketProfileGroups        = []byte("profile_groups")
	bucketClientTokens         = []byte("client_tokens")
	bucketPushSubscriptions    = []byte("push_subscriptions")
	bucketFiles                = []byte("files")
	bucketMeta                 = []byte("meta")

	keyLastSentAt = []byte("last_sent_at")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

// AppendRequest carries everything needed to persist a new message.
type AppendRequest struct {
	SenderID    string
	Target      models.Target
	Content     string
	Attachments []models.Attachment
	ClientToken string
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketMessages,
			bucketMessageIndex,
			bucketReadMarkers,
			bucketProfileConversations,
			bucketGroups,
			bucketProfileGroups,
			bucketClientTokens,
			bucketPushSubscriptions,
			bucketFiles,
			bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// storageErr keeps domain errors intact and marks everything else as a storage failure.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrStorage):
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorage, err)
}

func validateAppend(req AppendRequest) error {
	if err := models.ValidateID(req.SenderID); err != nil {
		return err
	}
	if err := req.Target.Validate(); err != nil {
		return err
	}
	if req.Target.ReceiverID != "" {
		if err := models.ValidateID(req.Target.ReceiverID); err != nil {
			return err
		}
		if req.Target.ReceiverID == req.SenderID {
			return fmt.Errorf("%w: cannot send a direct message to yourself", models.ErrValidation)
		}
	}
	if req.Target.GroupID != "" {
		if err := models.ValidateID(req.Target.GroupID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return fmt.Errorf("%w: message has neither content nor attachments", models.ErrValidation)
	}
	for _, a := range req.Attachments {
		if a.FilePath == "" {
			return fmt.Errorf("%w: attachment without file path", models.ErrValidation)
		}
	}
	return nil
}

// Append persists a new message and returns it with server-assigned id, sentAt and seq.
// A retried send carrying the same client token returns the originally stored message.
func (s *BboltStorage) Append(req AppendRequest) (models.Message, error) {
	if err := validateAppend(req); err != nil {
		return models.Message{}, err
	}

	key := models.KeyFor(req.SenderID, req.Target)
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tokens := tx.Bucket(bucketClientTokens)
		if req.ClientToken != "" {
			if id := tokens.Get(clientTokenKey(req.SenderID, req.ClientToken)); id != nil {
				existing, err := loadMessage(tx, string(id))
				if err != nil {
					return err
				}
				msg = existing.toModel()
				return nil
			}
		}

		if req.Target.GroupID != "" {
			group, err := loadGroup(tx, req.Target.GroupID)
			if err != nil {
				return err
			}
			if _, ok := group.Members[req.SenderID]; !ok {
				return fmt.Errorf("%w: %s is not a member of group %s", models.ErrUnauthorized, req.SenderID, req.Target.GroupID)
			}
		}

		sentAt, err := s.nextSentAt(tx)
		if err != nil {
			return err
		}

		messages := tx.Bucket(bucketMessages)
		seq, err := messages.NextSequence()
		if err != nil {
			return err
		}

		dbMessage := &DBMessage{
			ID:              uuid.NewString(),
			ConversationKey: string(key),
			SenderID:        req.SenderID,
			ReceiverID:      req.Target.ReceiverID,
			GroupID:         req.Target.GroupID,
			Content:         req.Content,
			SentAt:          sentAt,
			Seq:             seq,
			ClientToken:     req.ClientToken,
		}
		if len(req.Attachments) > 0 {
			dbMessage.Attachments = make([]DBAttachment, len(req.Attachments))
			for i, a := range req.Attachments {
				dbMessage.Attachments[i] = DBAttachment{
					FilePath: a.FilePath,
					FileName: a.FileName,
					Kind:     string(a.Kind),
					MimeType: a.MimeType,
					Size:     a.Size,
					Order:    i,
				}
			}
		}

		if err := putMessage(tx, dbMessage); err != nil {
			return err
		}

		ref := dbMessage.ref()
		if err := put(tx.Bucket(bucketMessageIndex), &ref); err != nil {
			return err
		}

		if req.ClientToken != "" {
			if err := tokens.Put(clientTokenKey(req.SenderID, req.ClientToken), []byte(dbMessage.ID)); err != nil {
				return err
			}
		}

		if req.Target.ReceiverID != "" {
			for _, profileID := range []string{req.SenderID, req.Target.ReceiverID} {
				if err := ensureMembership(tx, profileID, string(key), 0); err != nil {
					return err
				}
			}
		}

		msg = dbMessage.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, storageErr(err)
	}
	return msg, nil
}

// Edit replaces the content of a message. Only the sender may edit, and deleted
// messages cannot be edited.
func (s *BboltStorage) Edit(messageID, requesterID, content string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMessage, err := loadMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMessage.SenderID != requesterID {
			return fmt.Errorf("%w: only the sender can edit message %s", models.ErrUnauthorized, messageID)
		}
		if dbMessage.IsDeleted {
			return fmt.Errorf("%w: message %s is deleted", models.ErrNotFound, messageID)
		}
		if strings.TrimSpace(content) == "" && len(dbMessage.Attachments) == 0 {
			return fmt.Errorf("%w: edited message would be empty", models.ErrValidation)
		}

		dbMessage.Content = content
		dbMessage.EditedAt = s.now().UnixMilli()
		if err := putMessage(tx, dbMessage); err != nil {
			return err
		}
		msg = dbMessage.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, storageErr(err)
	}
	return msg, nil
}

// SoftDelete tombstones a message. Deleting an already deleted message succeeds
// and reports changed=false.
func (s *BboltStorage) SoftDelete(messageID, requesterID string) (msg models.Message, changed bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		dbMessage, err := loadMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMessage.SenderID != requesterID {
			return fmt.Errorf("%w: only the sender can delete message %s", models.ErrUnauthorized, messageID)
		}
		if !dbMessage.IsDeleted {
			dbMessage.IsDeleted = true
			dbMessage.Content = models.TombstoneContent
			if err := putMessage(tx, dbMessage); err != nil {
				return err
			}
			changed = true
		}
		msg = dbMessage.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, false, storageErr(err)
	}
	return msg, changed, nil
}

// GetMessage returns a message by id.
func (s *BboltStorage) GetMessage(messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMessage, err := loadMessage(tx, messageID)
		if err != nil {
			return err
		}
		msg = dbMessage.toModel()
		return nil
	})
	return msg, storageErr(err)
}

// History returns at most take messages of the conversation, newest first, that are
// strictly older than cursor. An empty cursor starts from the newest message.
func (s *BboltStorage) History(key models.ConversationKey, cursor string, take int) ([]models.Message, error) {
	if _, err := key.Parse(); err != nil {
		return nil, err
	}
	if take <= 0 {
		return nil, fmt.Errorf("%w: take must be positive", models.ErrValidation)
	}

	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var from []byte
		if cursor != "" {
			ref, err := loadRef(tx, cursor)
			if err != nil {
				return err
			}
			if ref.ConversationKey != string(key) {
				return fmt.Errorf("%w: message %s is not part of %s", models.ErrNotFound, cursor, key)
			}
			from = orderKey(ref.SentAt, ref.Seq)
		}

		conv := tx.Bucket(bucketMessages).Bucket([]byte(key))
		if conv == nil {
			return nil
		}

		c := conv.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(from)
			if k == nil {
				k, v = c.Last()
			}
			// Seek lands on the first key >= from; step back until strictly older.
			for k != nil && bytes.Compare(k, from) >= 0 {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(messages) < take; k, v = c.Prev() {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return messages, nil
}

// MarkRead advances profileID's read marker in the conversation up to the given
// message and records a receipt on it. It reports false when the marker was already
// at or past that message.
func (s *BboltStorage) MarkRead(key models.ConversationKey, profileID, upToMessageID string) (bool, error) {
	parsed, err := key.Parse()
	if err != nil {
		return false, err
	}

	advanced := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := checkParticipant(tx, parsed, profileID); err != nil {
			return err
		}

		ref, err := loadRef(tx, upToMessageID)
		if err != nil {
			return err
		}
		if ref.ConversationKey != string(key) {
			return fmt.Errorf("%w: message %s is not part of %s", models.ErrNotFound, upToMessageID, key)
		}

		markers, err := tx.Bucket(bucketReadMarkers).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}

		target := orderKey(ref.SentAt, ref.Seq)
		if data := markers.Get([]byte(profileID)); data != nil {
			var current DBReadMarker
			if err := current.UnmarshalBinary(data); err != nil {
				return err
			}
			if bytes.Compare(orderKey(current.SentAt, current.Seq), target) >= 0 {
				return nil
			}
		}

		readAt := s.now().UnixMilli()
		marker := &DBReadMarker{
			ProfileID: profileID,
			MessageID: ref.ID,
			SentAt:    ref.SentAt,
			Seq:       ref.Seq,
			ReadAt:    readAt,
		}
		if err := put(markers, marker); err != nil {
			return err
		}

		dbMessage, err := loadMessage(tx, ref.ID)
		if err != nil {
			return err
		}
		upsertReceipt(dbMessage, profileID, readAt)
		if err := putMessage(tx, dbMessage); err != nil {
			return err
		}

		advanced = true
		return nil
	})
	if err != nil {
		return false, storageErr(err)
	}
	return advanced, nil
}

// React sets profileID's reaction on a message; an empty kind removes it.
func (s *BboltStorage) React(messageID, profileID, kind string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMessage, err := loadMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMessage.IsDeleted {
			return fmt.Errorf("%w: message %s is deleted", models.ErrNotFound, messageID)
		}
		parsed, err := models.ConversationKey(dbMessage.ConversationKey).Parse()
		if err != nil {
			return err
		}
		if err := checkParticipant(tx, parsed, profileID); err != nil {
			return err
		}

		reactions := dbMessage.Reactions[:0]
		for _, r := range dbMessage.Reactions {
			if r.ProfileID != profileID {
				reactions = append(reactions, r)
			}
		}
		if kind != "" {
			reactions = append(reactions, DBReaction{ProfileID: profileID, Kind: kind})
		}
		dbMessage.Reactions = reactions

		if err := putMessage(tx, dbMessage); err != nil {
			return err
		}
		msg = dbMessage.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, storageErr(err)
	}
	return msg, nil
}

// IsParticipant reports whether profileID takes part in the conversation.
func (s *BboltStorage) IsParticipant(key models.ConversationKey, profileID string) (bool, error) {
	parsed, err := key.Parse()
	if err != nil {
		return false, err
	}
	err = s.db.View(func(tx *bbolt.Tx) error {
		return checkParticipant(tx, parsed, profileID)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrUnauthorized):
		return false, nil
	}
	return false, storageErr(err)
}

// nextSentAt returns the current time in milliseconds, never earlier than the
// previously assigned value.
func (s *BboltStorage) nextSentAt(tx *bbolt.Tx) (int64, error) {
	meta := tx.Bucket(bucketMeta)
	now := s.now().UnixMilli()
	if data := meta.Get(keyLastSentAt); len(data) == 8 {
		if last := int64(binary.BigEndian.Uint64(data)); now < last {
			now = last
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now))
	if err := meta.Put(keyLastSentAt, buf); err != nil {
		return 0, err
	}
	return now, nil
}

func clientTokenKey(senderID, token string) []byte {
	return []byte(senderID + ":" + token)
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(item.Key(), data)
}

func putMessage(tx *bbolt.Tx, m *DBMessage) error {
	conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.ConversationKey))
	if err != nil {
		return fmt.Errorf("failed to create conversation bucket: %w", err)
	}
	return put(conv, m)
}

func loadRef(tx *bbolt.Tx, messageID string) (DBMessageRef, error) {
	var ref DBMessageRef
	data := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
	if data == nil {
		return ref, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err := ref.UnmarshalBinary(data); err != nil {
		return ref, err
	}
	return ref, nil
}

func loadMessage(tx *bbolt.Tx, messageID string) (*DBMessage, error) {
	ref, err := loadRef(tx, messageID)
	if err != nil {
		return nil, err
	}
	conv := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationKey))
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, ref.ConversationKey)
	}
	data := conv.Get(orderKey(ref.SentAt, ref.Seq))
	if data == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	var m DBMessage
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &m, nil
}

func upsertReceipt(m *DBMessage, profileID string, readAt int64) {
	for i := range m.Receipts {
		if m.Receipts[i].ProfileID == profileID {
			m.Receipts[i].ReadAt = readAt
			return
		}
	}
	m.Receipts = append(m.Receipts, DBReceipt{ProfileID: profileID, ReadAt: readAt})
}

func checkParticipant(tx *bbolt.Tx, key models.ParsedKey, profileID string) error {
	if key.Kind == models.ConversationDirect {
		if !key.Has(profileID) {
			return fmt.Errorf("%w: %s is not part of the conversation", models.ErrUnauthorized, profileID)
		}
		return nil
	}
	group, err := loadGroup(tx, key.GroupID)
	if err != nil {
		return err
	}
	if _, ok := group.Members[profileID]; !ok {
		return fmt.Errorf("%w: %s is not a member of group %s", models.ErrUnauthorized, profileID, key.GroupID)
	}
	return nil
}
