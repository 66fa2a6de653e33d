package ws

import "encoding/json"

// frame is the websocket envelope. The client sends subscribe/unsubscribe and
// emit frames; the server pushes event frames addressed to a channel.
type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEmit        = "emit"
	frameEvent       = "event"
)

// SendMessageChannel is the emit channel for outbound messages.
const SendMessageChannel = "sendMessage"

// SendMessagePayload is the body of a send_message emit. Exactly one of
// ChatBuddy/ChatGroup is set, per the conversation resolver.
type SendMessagePayload struct {
	TempID    string `json:"temp_id"`
	ChatBuddy string `json:"chat_buddy,omitempty"`
	ChatGroup string `json:"chat_group,omitempty"`
	Message   string `json:"message,omitempty"`
	FileURL   string `json:"file_url,omitempty"`
	FileMime  string `json:"file_mime,omitempty"`
}

// MessagesRetrievedChannel names the per-user history page channel.
func MessagesRetrievedChannel(userID string) string { return "messagesRetrieved:" + userID }

// NewMessageChannel names the per-user inbound message channel.
func NewMessageChannel(userID string) string { return "newMessage:" + userID }

// MessageSentChannel names the per-conversation send acknowledgment channel.
func MessageSentChannel(chatID string) string { return "messageSent:" + chatID }

// MessageReceivedChannel names the per-conversation inbound message channel.
func MessageReceivedChannel(chatID string) string { return "messageReceived:" + chatID }

// MessagesReadChannel names the per-conversation read receipt channel.
func MessagesReadChannel(chatID string) string { return "messagesRead:" + chatID }
