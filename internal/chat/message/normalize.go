package message

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ---------------------------------------------------------------------------
// Raw payload variants
// ---------------------------------------------------------------------------

// RawMessage is the tagged union of payload shapes the backend has produced
// over time. Classify picks the variant and Normalize maps each one.
type RawMessage interface {
	isRawMessage()
}

// ChatPayload is the doctor-chat object shape used by REST responses and the
// receiveMessage / messageUpdated socket events. Every historical alias of a
// concept is its own field; adding a backend field name is a one-line change.
type ChatPayload struct {
	// identity
	UnderscoreID string `mapstructure:"_id"`
	ID           string `mapstructure:"id"`
	MessageID    string `mapstructure:"messageId"`
	TempID       string `mapstructure:"tempId"`
	ClientID     string `mapstructure:"clientId"`

	// body
	Text    string `mapstructure:"text"`
	Message string `mapstructure:"message"`
	Content string `mapstructure:"content"`
	Answer  string `mapstructure:"answer"`

	// sender
	SenderID string `mapstructure:"senderId"`
	FromID   string `mapstructure:"fromId"`
	UserID   string `mapstructure:"userId"`
	AdminID  string `mapstructure:"adminId"`

	SenderRole string `mapstructure:"senderRole"`
	Role       string `mapstructure:"role"`
	SenderType string `mapstructure:"senderType"`

	// conversation
	ConversationID string `mapstructure:"conversationId"`
	DoctorID       string `mapstructure:"doctorId"`
	SessionID      string `mapstructure:"sessionId"`
	ReceiverID     string `mapstructure:"receiverId"`

	// timestamp: RFC3339 strings, epoch seconds or epoch milliseconds
	Time          any `mapstructure:"time"`
	CreatedAt     any `mapstructure:"createdAt"`
	CreatedAtSnak any `mapstructure:"created_at"`
	Timestamp     any `mapstructure:"timestamp"`

	// attachment
	FileURL       string `mapstructure:"fileUrl"`
	FileURLSnake  string `mapstructure:"file_url"`
	AttachmentURL string `mapstructure:"attachmentUrl"`
	Attachment    any    `mapstructure:"attachment"`
	FileName      string `mapstructure:"fileName"`
	FileNameSnake string `mapstructure:"file_name"`
	OriginalName  string `mapstructure:"originalName"`
	MimeType      string `mapstructure:"mimeType"`
	FileType      string `mapstructure:"fileType"`
	MimeTypeLower string `mapstructure:"mimetype"`

	// flags
	Seen      bool `mapstructure:"seen"`
	IsSeen    bool `mapstructure:"isSeen"`
	IsRead    bool `mapstructure:"isRead"`
	Delivered bool `mapstructure:"delivered"`
	Edited    bool `mapstructure:"edited"`
	IsEdited  bool `mapstructure:"isEdited"`
}

// SessionPayload is the doctor-review session shape: a chat object that names
// its sender by role ("doctor" / "admin") instead of by id.
type SessionPayload struct {
	ChatPayload `mapstructure:",squash"`
	Sender      string `mapstructure:"sender"`
	Question    string `mapstructure:"question"`
}

// BareText is a session-flow reply delivered as a plain string.
type BareText string

// Unknown is any payload that is neither an object nor a string.
type Unknown struct{ Value any }

func (ChatPayload) isRawMessage()    {}
func (SessionPayload) isRawMessage() {}
func (BareText) isRawMessage()       {}
func (Unknown) isRawMessage()        {}

// envelopeKeys wrap the message object in REST responses and socket events
// ({msg: ...}, {updatedMsg: ...}, {message: {...}, doctorId}).
var envelopeKeys = []string{"msg", "updatedMsg", "message", "data"}

// Classify decodes raw into its payload variant. raw may be a decoded JSON
// value, a []byte / json.RawMessage, a map or a string.
func Classify(raw any) RawMessage {
	switch v := raw.(type) {
	case nil:
		return Unknown{}
	case RawMessage:
		return v
	case json.RawMessage:
		return Classify([]byte(v))
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return BareText(strings.TrimSpace(string(v)))
		}
		return Classify(decoded)
	case string:
		return BareText(v)
	case map[string]any:
		obj := unwrap(v)
		if isSessionShape(obj) {
			var p SessionPayload
			decode(obj, &p)
			return p
		}
		var p ChatPayload
		decode(obj, &p)
		return p
	default:
		return Unknown{Value: raw}
	}
}

// unwrap descends through envelope keys, carrying outer fields the inner
// object lacks (e.g. the doctorId next to a nested message).
func unwrap(obj map[string]any) map[string]any {
	for depth := 0; depth < 3; depth++ {
		var inner map[string]any
		var via string
		for _, k := range envelopeKeys {
			if m, ok := obj[k].(map[string]any); ok {
				inner, via = m, k
				break
			}
		}
		if inner == nil {
			return obj
		}
		merged := make(map[string]any, len(inner)+len(obj))
		for k, v := range obj {
			if k != via {
				merged[k] = v
			}
		}
		for k, v := range inner {
			merged[k] = v
		}
		obj = merged
	}
	return obj
}

func isSessionShape(obj map[string]any) bool {
	if _, ok := obj["sender"]; ok {
		return true
	}
	if _, ok := obj["question"]; ok {
		return true
	}
	return false
}

// decode fills out from in with weak typing. Fields that fail to decode keep
// their zero value; the remaining fields are still populated.
func decode(in map[string]any, out any) {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return
	}
	_ = dec.Decode(in)
}

// ---------------------------------------------------------------------------
// Normalizer
// ---------------------------------------------------------------------------

// Normalize maps any payload shape to the canonical Message. It never panics
// and has no side effects.
func Normalize(raw any) Message {
	switch p := Classify(raw).(type) {
	case ChatPayload:
		return fromChat(p)
	case SessionPayload:
		return fromSession(p)
	case BareText:
		return fromBare(p)
	case Unknown:
		return Message{Kind: KindSystem, DeliveryState: StateDelivered}
	default:
		return Message{Kind: KindSystem, DeliveryState: StateDelivered}
	}
}

// NormalizeList extracts and normalizes a message list from a history
// response: a bare array, or an object holding the array under messages,
// data, chats or session.messages.
func NormalizeList(raw any) []Message {
	items := listOf(raw)
	out := make([]Message, 0, len(items))
	for _, it := range items {
		out = append(out, Normalize(it))
	}
	return out
}

func listOf(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case json.RawMessage:
		return listOf([]byte(v))
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil
		}
		return listOf(decoded)
	case map[string]any:
		for _, k := range []string{"messages", "data", "chats", "session"} {
			if inner, ok := v[k]; ok {
				if l := listOf(inner); l != nil {
					return l
				}
			}
		}
	}
	return nil
}

func fromChat(p ChatPayload) Message {
	body := first(p.Text, p.Message, p.Content, p.Answer)
	att := attachmentOf(p)
	m := Message{
		ConversationID: first(p.ConversationID, p.DoctorID, p.SessionID, p.ReceiverID),
		SenderID:       first(p.SenderID, p.FromID, p.UserID, p.AdminID),
		SenderRole:     strings.ToLower(first(p.SenderRole, p.Role, p.SenderType)),
		Body:           body,
		Attachment:     att,
		Kind:           KindOf(body, att),
		CreatedAt:      parseTime(p.Time, p.CreatedAt, p.CreatedAtSnak, p.Timestamp),
		Edited:         p.Edited || p.IsEdited,
	}
	if m.SenderRole == "" && p.AdminID != "" && p.SenderID == "" && p.FromID == "" && p.UserID == "" {
		m.SenderRole = RoleAdmin
	}

	id := first(p.UnderscoreID, p.ID, p.MessageID)
	temp := first(p.TempID, p.ClientID)
	switch {
	case id != "":
		m.Ident = Confirmed(id)
		m.EchoedTempID = temp
	case temp != "":
		m.Ident = Pending(temp)
	}

	m.DeliveryState = deliveryState(p.Seen || p.IsSeen || p.IsRead, p.Delivered, m.SenderRole)
	return m
}

func fromSession(p SessionPayload) Message {
	m := fromChat(p.ChatPayload)
	if m.SenderRole == "" {
		m.SenderRole = strings.ToLower(p.Sender)
	}
	if m.Body == "" && m.Attachment == nil {
		m.Body = p.Question
		m.Kind = KindOf(m.Body, nil)
	}
	m.DeliveryState = deliveryState(p.Seen || p.IsSeen || p.IsRead, p.Delivered, m.SenderRole)
	return m
}

func fromBare(t BareText) Message {
	body := string(t)
	return Message{
		SenderRole:    RoleDoctor,
		Body:          body,
		Kind:          KindOf(body, nil),
		DeliveryState: StateDelivered,
	}
}

func deliveryState(seen, delivered bool, role string) DeliveryState {
	switch {
	case seen:
		return StateSeen
	case delivered:
		return StateDelivered
	case role == RoleAdmin:
		return StateSent
	default:
		return StateDelivered
	}
}

func attachmentOf(p ChatPayload) *Attachment {
	a := Attachment{
		URL:      first(p.FileURL, p.FileURLSnake, p.AttachmentURL),
		FileName: first(p.FileName, p.FileNameSnake, p.OriginalName),
		MimeType: first(p.MimeType, p.FileType, p.MimeTypeLower),
	}
	switch nested := p.Attachment.(type) {
	case string:
		a.URL = first(a.URL, nested)
	case map[string]any:
		var n struct {
			URL      string `mapstructure:"url"`
			FileName string `mapstructure:"fileName"`
			Name     string `mapstructure:"name"`
			MimeType string `mapstructure:"mimeType"`
			Type     string `mapstructure:"type"`
		}
		decode(nested, &n)
		a.URL = first(a.URL, n.URL)
		a.FileName = first(a.FileName, n.FileName, n.Name)
		a.MimeType = first(a.MimeType, n.MimeType, n.Type)
	}
	if a.URL == "" {
		return nil
	}
	return &a
}

func first(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return v
		}
	}
	return ""
}

// parseTime returns the first parseable timestamp among candidates.
func parseTime(candidates ...any) time.Time {
	for _, c := range candidates {
		if t, ok := toTime(c); ok {
			return t
		}
	}
	return time.Time{}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case float64:
		return fromEpoch(t)
	case int64:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch treats values above 1e12 as milliseconds.
func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
