package onebot

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
)

type action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type groupMessageParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

type privateMessageParams struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type actionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo"`
}

// event is the union of the inbound event fields used by the gateway.
type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	NoticeType  string `json:"notice_type"`
	Time        int64  `json:"time"`
	SelfID      int64  `json:"self_id"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	RawMessage  string `json:"raw_message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Role     string `json:"role"`
	} `json:"sender"`
}

// probe distinguishes action responses from events before full decoding.
type probe struct {
	PostType string `json:"post_type"`
	Status   string `json:"status"`
}

func (e *event) timestamp() time.Time {
	if e.Time <= 0 {
		return time.Now()
	}
	return time.Unix(e.Time, 0)
}

// toMessage converts a message event. ok is false for events the gateway ignores.
func (e *event) toMessage(adapterID int64) (chatbridge.Message, bool) {
	if e.PostType != "message" || e.UserID == 0 || (e.SelfID != 0 && e.UserID == e.SelfID) {
		return chatbridge.Message{}, false
	}
	nickname := e.Sender.Card
	if nickname == "" {
		nickname = e.Sender.Nickname
	}
	msg := chatbridge.Message{
		AdapterID: adapterID,
		Platform:  model.AdapterOneBot,
		UserID:    strconv.FormatInt(e.UserID, 10),
		Nickname:  nickname,
		Text:      e.RawMessage,
		Timestamp: e.timestamp(),
	}
	switch e.MessageType {
	case "group":
		msg.Kind = model.TargetGroup
		msg.ChannelID = strconv.FormatInt(e.GroupID, 10)
		if e.Sender.Role != "" {
			msg.Roles = []string{e.Sender.Role}
		}
	case "private":
		msg.Kind = model.TargetPrivate
		msg.ChannelID = msg.UserID
	default:
		return chatbridge.Message{}, false
	}
	return msg, true
}

// toLeave converts a group_decrease notice.
func (e *event) toLeave(adapterID int64) (chatbridge.Leave, bool) {
	if e.PostType != "notice" || e.NoticeType != "group_decrease" || e.UserID == 0 || e.GroupID == 0 {
		return chatbridge.Leave{}, false
	}
	return chatbridge.Leave{
		AdapterID: adapterID,
		Platform:  model.AdapterOneBot,
		ChannelID: strconv.FormatInt(e.GroupID, 10),
		UserID:    strconv.FormatInt(e.UserID, 10),
		Timestamp: e.timestamp(),
	}, true
}
