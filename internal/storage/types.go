package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// orderKey encodes the (sentAt, seq) pair so that bbolt's byte ordering matches
// the message total order.
func orderKey(sentAt int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(sentAt))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

type DBMessage struct {
	ID              string         `msgpack:"id"`
	ConversationKey string         `msgpack:"conversationKey"`
	SenderID        string         `msgpack:"senderId"`
	ReceiverID      string         `msgpack:"receiverId"`
	GroupID         string         `msgpack:"groupId"`
	Content         string         `msgpack:"content"`
	SentAt          int64          `msgpack:"sentAt"` // Unix milliseconds
	Seq             uint64         `msgpack:"seq"`
	EditedAt        int64          `msgpack:"editedAt"` // Unix milliseconds, 0 when never edited
	IsDeleted       bool           `msgpack:"isDeleted"`
	Attachments     []DBAttachment `msgpack:"attachments"`
	Receipts        []DBReceipt    `msgpack:"receipts"`
	Reactions       []DBReaction   `msgpack:"reactions"`
	ClientToken     string         `msgpack:"clientToken"`
}

type DBAttachment struct {
	FilePath string `msgpack:"filePath"`
	FileName string `msgpack:"fileName"`
	Kind     string `msgpack:"kind"`
	MimeType string `msgpack:"mimeType"`
	Size     int64  `msgpack:"size"`
	Order    int    `msgpack:"order"`
}

type DBReceipt struct {
	ProfileID string `msgpack:"profileId"`
	ReadAt    int64  `msgpack:"readAt"`
}

type DBReaction struct {
	ProfileID string `msgpack:"profileId"`
	Kind      string `msgpack:"kind"`
}

func (m *DBMessage) Key() []byte {
	return orderKey(m.SentAt, m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) ref() DBMessageRef {
	return DBMessageRef{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		SentAt:          m.SentAt,
		Seq:             m.Seq,
	}
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:              m.ID,
		ConversationKey: models.ConversationKey(m.ConversationKey),
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		GroupID:         m.GroupID,
		Content:         m.Content,
		SentAt:          time.UnixMilli(m.SentAt).UTC(),
		Seq:             m.Seq,
		IsDeleted:       m.IsDeleted,
		ClientToken:     m.ClientToken,
	}
	if m.EditedAt != 0 {
		editedAt := time.UnixMilli(m.EditedAt).UTC()
		msg.EditedAt = &editedAt
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				FilePath: a.FilePath,
				FileName: a.FileName,
				Kind:     models.MediaKind(a.Kind),
				MimeType: a.MimeType,
				Size:     a.Size,
				Order:    a.Order,
			}
		}
	}
	if len(m.Receipts) > 0 {
		msg.Receipts = make([]models.Receipt, len(m.Receipts))
		for i, r := range m.Receipts {
			msg.Receipts[i] = models.Receipt{ProfileID: r.ProfileID, ReadAt: time.UnixMilli(r.ReadAt).UTC()}
		}
	}
	if len(m.Reactions) > 0 {
		msg.Reactions = make([]models.Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			msg.Reactions[i] = models.Reaction{ProfileID: r.ProfileID, Kind: r.Kind}
		}
	}
	return msg
}

// DBMessageRef locates a message by id inside its conversation bucket.
type DBMessageRef struct {
	ID              string `msgpack:"id"`
	ConversationKey string `msgpack:"conversationKey"`
	SentAt          int64  `msgpack:"sentAt"`
	Seq             uint64 `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBReadMarker is the newest message a profile has read in a conversation.
type DBReadMarker struct {
	ProfileID string `msgpack:"profileId"`
	MessageID string `msgpack:"messageId"`
	SentAt    int64  `msgpack:"sentAt"`
	Seq       uint64 `msgpack:"seq"`
	ReadAt    int64  `msgpack:"readAt"`
}

func (r *DBReadMarker) Key() []byte {
	return []byte(r.ProfileID)
}

func (r *DBReadMarker) MarshalBinary() (data []byte, err error) {
	type alias DBReadMarker
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReadMarker) UnmarshalBinary(data []byte) error {
	type alias DBReadMarker
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBMembership links a profile to a conversation it takes part in.
type DBMembership struct {
	ConversationKey string `msgpack:"conversationKey"`
	JoinedAt        int64  `msgpack:"joinedAt"`
	JoinSeq         uint64 `msgpack:"joinSeq"`
}

func (m *DBMembership) Key() []byte {
	return []byte(m.ConversationKey)
}

func (m *DBMembership) MarshalBinary() (data []byte, err error) {
	type alias DBMembership
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMembership) UnmarshalBinary(data []byte) error {
	type alias DBMembership
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBGroup struct {
	ID      string           `msgpack:"id"`
	Name    string           `msgpack:"name"`
	Members map[string]int64 `msgpack:"members"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

func (g *DBGroup) toModel() models.Group {
	members := make(map[string]int64, len(g.Members))
	for id, joined := range g.Members {
		members[id] = joined
	}
	return models.Group{ID: g.ID, Name: g.Name, Members: members}
}

type DBPushSubscriptions struct {
	ProfileID     string               `msgpack:"profileId"`
	Subscriptions []DBPushSubscription `msgpack:"subscriptions"`
}

type DBPushSubscription struct {
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (p *DBPushSubscriptions) Key() []byte {
	return []byte(p.ProfileID)
}

func (p *DBPushSubscriptions) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscriptions
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscriptions) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscriptions
	return msgpack.Unmarshal(data, (*alias)(p))
}
