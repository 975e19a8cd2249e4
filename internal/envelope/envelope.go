// Package envelope encodes and decodes the upstream chat protocol.
//
// DESIGN: The upstream wants every message wrapped in a fixed 14-key envelope,
// and it reads the parent pointer from two differently-cased keys. The Go type
// keeps a single ParentID; the duplication is purely a serialization concern
// handled in MarshalJSON.
//
//   - envelope.go: message envelope
//   - payload.go:  conversation-creation and completion request bodies
//   - decode.go:   tolerant decoding of stream events and buffered responses
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Upstream protocol constants.
const (
	ChatTypeText = "t2t"
	ChatMode     = "normal"
	UserAction   = "chat"
)

// FeatureConfig is sent verbatim with every message.
type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
}

// Extra carries the sub chat type nested under meta.
type Extra struct {
	Meta ExtraMeta `json:"meta"`
}

// ExtraMeta is the inner object of Extra.
type ExtraMeta struct {
	SubChatType string `json:"subChatType"`
}

// Envelope is one upstream message.
type Envelope struct {
	FID           string
	ParentID      *string
	ChildrenIDs   []string
	Role          string
	Content       string
	UserAction    string
	Files         []json.RawMessage
	Timestamp     int64
	Models        []string
	ChatType      string
	FeatureConfig FeatureConfig
	Extra         Extra
	SubChatType   string
}

// Input is what callers decide; Build fills everything else.
type Input struct {
	Role     string
	Content  string
	ParentID *string
	Models   []string
}

// Build wraps one message in a complete envelope with a fresh fid.
func Build(in Input) Envelope {
	return buildAt(in, time.Now())
}

func buildAt(in Input, now time.Time) Envelope {
	models := in.Models
	if models == nil {
		models = []string{}
	}
	return Envelope{
		FID:         uuid.NewString(),
		ParentID:    in.ParentID,
		ChildrenIDs: []string{},
		Role:        in.Role,
		Content:     in.Content,
		UserAction:  UserAction,
		Files:       []json.RawMessage{},
		Timestamp:   now.Unix(),
		Models:      models,
		ChatType:    ChatTypeText,
		FeatureConfig: FeatureConfig{
			ThinkingEnabled: false,
			OutputSchema:    "phase",
		},
		Extra:       Extra{Meta: ExtraMeta{SubChatType: ChatTypeText}},
		SubChatType: ChatTypeText,
	}
}

// wireEnvelope fixes the key order and duplicates the parent pointer.
type wireEnvelope struct {
	FID           string            `json:"fid"`
	ParentIDCamel *string           `json:"parentId"`
	ChildrenIDs   []string          `json:"childrenIds"`
	Role          string            `json:"role"`
	Content       string            `json:"content"`
	UserAction    string            `json:"user_action"`
	Files         []json.RawMessage `json:"files"`
	Timestamp     int64             `json:"timestamp"`
	Models        []string          `json:"models"`
	ChatType      string            `json:"chat_type"`
	FeatureConfig FeatureConfig     `json:"feature_config"`
	Extra         Extra             `json:"extra"`
	SubChatType   string            `json:"sub_chat_type"`
	ParentIDSnake *string           `json:"parent_id"`
}

// MarshalJSON writes both parentId and parent_id from the single ParentID.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		FID:           e.FID,
		ParentIDCamel: e.ParentID,
		ChildrenIDs:   nonNil(e.ChildrenIDs),
		Role:          e.Role,
		Content:       e.Content,
		UserAction:    e.UserAction,
		Files:         e.Files,
		Timestamp:     e.Timestamp,
		Models:        nonNil(e.Models),
		ChatType:      e.ChatType,
		FeatureConfig: e.FeatureConfig,
		Extra:         e.Extra,
		SubChatType:   e.SubChatType,
		ParentIDSnake: e.ParentID,
	}
	if w.Files == nil {
		w.Files = []json.RawMessage{}
	}
	return json.Marshal(w)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
