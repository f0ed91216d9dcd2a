package sync

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

// mergeChats combines local and server chats by id. When both sides hold a
// chat the server copy wins only if its LastMessageTime is strictly later;
// a winning server copy that reports no unread count keeps the local one.
// The result is sorted most recent first.
func mergeChats(local, server []store.Chat) []store.Chat {
	byID := make(map[string]store.Chat, len(local)+len(server))
	for _, c := range local {
		byID[c.ID] = c
	}
	for _, s := range server {
		l, ok := byID[s.ID]
		if !ok {
			byID[s.ID] = s
			continue
		}
		if s.LastMessageTime > l.LastMessageTime {
			s.CreatedAt = l.CreatedAt
			if s.UnreadCount == 0 {
				s.UnreadCount = l.UnreadCount
			}
			byID[s.ID] = s
		}
	}

	out := make([]store.Chat, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// dedupeMessages collapses copies of the same logical message, matched by
// client id or server id. A server-confirmed copy beats a temporary one;
// between copies of the same kind the later timestamp wins. The result is
// sorted ascending by timestamp.
func dedupeMessages(msgs []store.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	index := make(map[string]int, 2*len(msgs))
	keys := func(m store.Message) []string {
		var k []string
		if m.ClientID != "" {
			k = append(k, "c:"+m.ClientID)
		}
		if m.ServerID != "" {
			k = append(k, "s:"+m.ServerID)
		}
		return k
	}

	for _, m := range msgs {
		pos := -1
		for _, k := range keys(m) {
			if i, ok := index[k]; ok {
				pos = i
				break
			}
		}
		if pos < 0 {
			pos = len(out)
			out = append(out, m)
		} else {
			prev := out[pos]
			out[pos] = preferMessage(prev, m)
			// Keep ids known from either copy reachable.
			for _, k := range keys(prev) {
				index[k] = pos
			}
		}
		for _, k := range keys(m) {
			index[k] = pos
		}
	}
	state.SortMessages(out)
	return out
}

func preferMessage(a, b store.Message) store.Message {
	keep, other := a, b
	switch {
	case a.Temporary() != b.Temporary():
		if a.Temporary() {
			keep, other = b, a
		}
	case b.Timestamp > a.Timestamp:
		keep, other = b, a
	}
	if keep.ClientID == "" {
		keep.ClientID = other.ClientID
	}
	return keep
}
