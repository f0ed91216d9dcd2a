package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The prefix before the first dot is the namespace subscribers
// filter on.
const (
	KindChatsChanged    = "ui.chats_changed"
	KindChatRemoved     = "ui.chat_removed"
	KindMessagesChanged = "ui.messages_changed"
	KindSyncFinished    = "sync.finished"
	KindSyncSkipped     = "sync.skipped"
	KindRealtimeState   = "realtime.state_changed"
	KindTyping          = "realtime.typing"
	KindPresence        = "realtime.presence"
	KindQueueChanged    = "queue.changed"
	KindSendAck         = "queue.send_ack"
	KindSendFailed      = "queue.send_failed"
)
