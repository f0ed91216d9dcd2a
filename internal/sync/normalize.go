package sync

import (
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/store"
)

// Fallback chat names.
const (
	NameUnknownUser   = "Unknown User"
	NameDirectMessage = "Direct Message"
	NameGroupChat     = "Group Chat"
)

// Field fallback tables. The first key holding a usable value wins.
var (
	chatIDKeys     = []string{"id", "_id", "chat_id", "chatId"}
	chatTypeKeys   = []string{"type", "chat_type", "chatType"}
	chatNameKeys   = []string{"name", "title", "chat_name"}
	chatAvatarKeys = []string{"avatar", "avatar_url", "avatarUrl", "image"}
	lastTimeKeys   = []string{
		"last_message_created_at", "last_message_time", "lastMessageTime",
		"last_message.created_at", "lastMessage.createdAt",
		"updated_at", "updatedAt", "created_at", "createdAt",
	}
	lastTextKeys = []string{
		"last_message.content", "lastMessage.content", "last_message.text",
		"last_message", "lastMessage", "last_message_content",
	}
	unreadKeys = []string{"unread_count", "unreadCount"}

	participantListKeys = []string{"participants", "members", "users"}
	participantIDKeys   = []string{"user_id", "userId", "user.id", "user._id", "id", "_id"}
	phoneKeys           = []string{"phone", "phone_number", "phoneNumber", "mobile"}
	avatarKeys          = []string{"avatar", "avatar_url", "avatarUrl", "profile_picture"}
	profileNameKeys     = []string{"display_name", "displayName", "full_name", "fullName", "name"}

	serverIDKeys   = []string{"id", "_id", "message_id", "messageId"}
	clientIDKeys   = []string{"client_id", "clientId", "temp_id", "tempId", "client_message_id"}
	contentKeys    = []string{"content", "text", "body", "message"}
	senderIDKeys   = []string{"sender_id", "senderId", "sender.id", "sender._id", "user_id", "userId", "from", "sender"}
	senderNameKeys = []string{"sender_name", "senderName", "sender.display_name", "sender.displayName", "sender.name", "sender.username"}
	msgChatKeys    = []string{"chat_id", "chatId", "chat.id", "chat._id", "conversation_id", "conversationId"}
	msgTimeKeys    = []string{"created_at", "createdAt", "timestamp", "sent_at"}
	msgTypeKeys    = []string{"message_type", "messageType", "type"}
	replyToKeys    = []string{"reply_to", "replyTo", "reply_to_message_id", "replyToMessageId"}
)

// Normalizer turns server records of any supported shape into canonical
// chats and messages. It never fails on missing optional fields.
type Normalizer struct {
	userID   string
	contacts *contacts.Cache
}

// NewNormalizer creates a normalizer for the signed-in user. cache may be
// nil.
func NewNormalizer(userID string, cache *contacts.Cache) *Normalizer {
	return &Normalizer{userID: userID, contacts: cache}
}

// UserID returns the current user's id.
func (n *Normalizer) UserID() string { return n.userID }

// Chat normalizes a chat record. ok is false when the record carries no id.
func (n *Normalizer) Chat(rec backend.Record) (c store.Chat, ok bool) {
	c.ID = rec.String(chatIDKeys...)
	if c.ID == "" {
		return store.Chat{}, false
	}
	c.Participants = n.participants(rec)
	c.Type = chatType(rec, len(c.Participants))
	c.Avatar = rec.String(chatAvatarKeys...)
	c.LastMessage = rec.String(lastTextKeys...)
	c.LastMessageTime = timeOf(rec, lastTimeKeys...)
	if u, ok := rec.Int(unreadKeys...); ok && u > 0 {
		c.UnreadCount = int(u)
	}

	c.Name = rec.String(chatNameKeys...)
	if c.Type == store.ChatGroup {
		if c.Name == "" {
			c.Name = NameGroupChat
		}
		return c, true
	}

	other, found := n.otherParticipant(c.Participants)
	if c.Name == "" {
		if found {
			c.Name = n.displayName(other)
		} else {
			c.Name = NameDirectMessage
		}
	}
	if c.Avatar == "" && found {
		c.Avatar = other.Avatar
		if c.Avatar == "" && n.contacts != nil && other.Phone != "" {
			if ct, ok := n.contacts.Lookup(other.Phone); ok {
				c.Avatar = ct.Avatar
			}
		}
	}
	return c, true
}

func chatType(rec backend.Record, participants int) store.ChatType {
	switch strings.ToLower(rec.String(chatTypeKeys...)) {
	case "group", "channel", "community":
		return store.ChatGroup
	case "direct", "private", "dm", "one_to_one", "one-to-one", "individual":
		return store.ChatDirect
	}
	if g, ok := rec.Bool("is_group", "isGroup"); ok {
		if g {
			return store.ChatGroup
		}
		return store.ChatDirect
	}
	if participants > 2 {
		return store.ChatGroup
	}
	return store.ChatDirect
}

func (n *Normalizer) participants(rec backend.Record) store.Participants {
	var out store.Participants
	if recs := rec.Records(participantListKeys...); len(recs) > 0 {
		for _, p := range recs {
			if sp := n.participant(p); sp.UserID != "" {
				out = append(out, sp)
			}
		}
		return out
	}
	for _, id := range rec.Strings(participantListKeys...) {
		out = append(out, store.Participant{UserID: id})
	}
	return out
}

func (n *Normalizer) participant(p backend.Record) store.Participant {
	sp := store.Participant{
		UserID:      p.String(participantIDKeys...),
		Role:        p.String("role"),
		DisplayName: profileName(p),
		Phone:       p.String(withUser(phoneKeys)...),
		Avatar:      p.String(withUser(avatarKeys)...),
	}
	// Server contact records feed the resolution cache.
	if n.contacts != nil && sp.Phone != "" && sp.DisplayName != "" {
		n.contacts.Add(contacts.Contact{Name: sp.DisplayName, Phone: sp.Phone, Avatar: sp.Avatar})
	}
	return sp
}

// withUser extends keys with the same keys under a nested "user" object.
func withUser(keys []string) []string {
	out := make([]string, 0, 2*len(keys))
	out = append(out, keys...)
	for _, k := range keys {
		out = append(out, "user."+k)
	}
	return out
}

// profileName derives a person's display name from profile fields.
func profileName(p backend.Record) string {
	for _, prefix := range []string{"", "user."} {
		for _, k := range profileNameKeys {
			if s := p.String(prefix + k); s != "" {
				return s
			}
		}
		first := p.String(prefix+"first_name", prefix+"firstName")
		last := p.String(prefix+"last_name", prefix+"lastName")
		if full := strings.TrimSpace(first + " " + last); full != "" {
			return full
		}
		if s := p.String(prefix + "username"); s != "" {
			return s
		}
	}
	return ""
}

func (n *Normalizer) otherParticipant(parts store.Participants) (store.Participant, bool) {
	for _, p := range parts {
		if p.UserID != "" && p.UserID != n.userID {
			return p, true
		}
	}
	return store.Participant{}, false
}

// displayName resolves a direct chat's name from the other participant:
// profile fields, then the contact cache by phone, then the formatted phone
// number, then NameUnknownUser.
func (n *Normalizer) displayName(p store.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Phone != "" {
		if n.contacts != nil {
			if ct, ok := n.contacts.Lookup(p.Phone); ok {
				return ct.Name
			}
			if f := n.contacts.Format(p.Phone); f != "" {
				return f
			}
		} else if f := contacts.FormatPhone(p.Phone, ""); f != "" {
			return f
		}
	}
	return NameUnknownUser
}

// Message normalizes a message record. chatID is used when the record does
// not name its chat.
func (n *Normalizer) Message(rec backend.Record, chatID string) store.Message {
	m := store.Message{
		ServerID:    rec.String(serverIDKeys...),
		ClientID:    rec.String(clientIDKeys...),
		ChatID:      rec.String(msgChatKeys...),
		Content:     rec.String(contentKeys...),
		SenderID:    rec.String(senderIDKeys...),
		SenderName:  rec.String(senderNameKeys...),
		Timestamp:   timeOf(rec, msgTimeKeys...),
		Status:      store.ParseStatus(rec.String("status")),
		MessageType: rec.String(msgTypeKeys...),
		ReplyTo:     rec.String(replyToKeys...),
		Reactions:   reactions(rec),
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	return m
}

// reactions accepts {emoji: count}, {emoji: [users]}, [{emoji, count}] and
// [{emoji, user_id}].
func reactions(rec backend.Record) store.Reactions {
	v, ok := rec.Value("reactions")
	if !ok {
		return nil
	}
	out := store.Reactions{}
	switch x := v.(type) {
	case map[string]any:
		for emoji, val := range x {
			switch c := val.(type) {
			case float64:
				if c > 0 {
					out[emoji] += int(c)
				}
			case []any:
				if len(c) > 0 {
					out[emoji] += len(c)
				}
			default:
				out[emoji]++
			}
		}
	case []any:
		for _, e := range x {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			r := backend.Record(m)
			emoji := r.String("emoji", "reaction", "type")
			if emoji == "" {
				continue
			}
			count, ok := r.Int("count")
			if !ok || count <= 0 {
				count = 1
			}
			out[emoji] += int(count)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// timeOf returns the first parseable timestamp under keys in unix
// milliseconds, or 0.
func timeOf(rec backend.Record, keys ...string) int64 {
	for _, k := range keys {
		v, ok := rec.Value(k)
		if !ok {
			continue
		}
		if ms := parseTime(v); ms > 0 {
			return ms
		}
	}
	return 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC3339 strings and epoch seconds or milliseconds.
func parseTime(v any) int64 {
	switch x := v.(type) {
	case float64:
		return epochMillis(int64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochMillis(n)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return 0
}

// epochMillis treats values below 1e11 as seconds.
func epochMillis(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n < 1e11 {
		return n * 1000
	}
	return n
}
