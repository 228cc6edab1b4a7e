package models

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type            ClientMessageType `json:"type"`
	RequestID       string            `json:"requestId,omitempty"`
	Target          Target            `json:"target"`
	Content         string            `json:"content,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	ClientToken     string            `json:"clientToken,omitempty"`
	MessageID       string            `json:"messageId,omitempty"`
	ConversationKey ConversationKey   `json:"conversationKey,omitempty"`
	UpToMessageID   string            `json:"upToMessageId,omitempty"`
	Reaction        string            `json:"reaction,omitempty"`
}

// ServerMessage represents an event pushed to the client.
type ServerMessage struct {
	Type            ServerMessageType `json:"type"`
	RequestID       string            `json:"requestId,omitempty"`
	Message         *Message          `json:"message,omitempty"`
	MessageID       string            `json:"messageId,omitempty"`
	ConversationKey ConversationKey   `json:"conversationKey,omitempty"`
	ProfileID       string            `json:"profileId,omitempty"`
	Online          *bool             `json:"online,omitempty"` // set on presence events only
	LastSeen        int64             `json:"lastSeen,omitempty"`
	UpToMessageID   string            `json:"upToMessageId,omitempty"`
	Error           *WireError        `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ClientMessageType string

const (
	ClientMessageTypeSend     ClientMessageType = "send"
	ClientMessageTypeEdit     ClientMessageType = "edit"
	ClientMessageTypeDelete   ClientMessageType = "delete"
	ClientMessageTypeMarkRead ClientMessageType = "markRead"
	ClientMessageTypeReact    ClientMessageType = "react"
)

type ServerMessageType string

const (
	ServerMessageTypeCreated  ServerMessageType = "messageCreated"
	ServerMessageTypeEdited   ServerMessageType = "messageEdited"
	ServerMessageTypeDeleted  ServerMessageType = "messageDeleted"
	ServerMessageTypePresence ServerMessageType = "presenceChanged"
	ServerMessageTypeReceipt  ServerMessageType = "receiptUpdated"
	ServerMessageTypeReaction ServerMessageType = "reactionUpdated"
	ServerMessageTypeAck      ServerMessageType = "ack"
	ServerMessageTypeError    ServerMessageType = "error"
)

// ErrorEvent builds the rejection sent to the connection that originated a failed action.
func ErrorEvent(requestID string, err error) ServerMessage {
	return ServerMessage{
		Type:      ServerMessageTypeError,
		RequestID: requestID,
		Error: &WireError{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}

// PresenceEvent builds a presenceChanged event. Online is always present on the
// wire, including when it is false.
func PresenceEvent(profileID string, p Presence) ServerMessage {
	online := p.Online
	return ServerMessage{
		Type:      ServerMessageTypePresence,
		ProfileID: profileID,
		Online:    &online,
		LastSeen:  p.LastSeen,
	}
}
