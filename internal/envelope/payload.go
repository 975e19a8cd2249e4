package envelope

import (
	"encoding/json"
	"time"
)

// NewChatPayload is the body of the conversation-creation call.
type NewChatPayload struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"` // milliseconds
}

// NewChat builds the conversation-creation body.
func NewChat(title string, models []string) ([]byte, error) {
	return json.Marshal(NewChatPayload{
		Title:     title,
		Models:    nonNil(models),
		ChatMode:  ChatMode,
		ChatType:  ChatTypeText,
		Timestamp: time.Now().UnixMilli(),
	})
}

// CompletionPayload is the body of the completion call.
type CompletionPayload struct {
	Stream            bool       `json:"stream"`
	IncrementalOutput bool       `json:"incremental_output"`
	ChatID            string     `json:"chat_id"`
	ChatMode          string     `json:"chat_mode"`
	Model             string     `json:"model"`
	ParentID          *string    `json:"parent_id"`
	Messages          []Envelope `json:"messages"`
	Timestamp         int64      `json:"timestamp"` // seconds
}

// Completion builds the completion body.
func Completion(chatID, model string, parentID *string, messages []Envelope, stream bool) ([]byte, error) {
	if messages == nil {
		messages = []Envelope{}
	}
	return json.Marshal(CompletionPayload{
		Stream:            stream,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          ChatMode,
		Model:             model,
		ParentID:          parentID,
		Messages:          messages,
		Timestamp:         time.Now().Unix(),
	})
}
