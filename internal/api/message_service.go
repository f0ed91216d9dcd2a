package api

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/chatsync/internal/store"
)

const defaultLimit = 50

// Queue is the send queue as seen by the services.
type Queue interface {
	Enqueue(ctx context.Context, chatID string, p store.QueuePayload) (*store.QueueItem, error)
	Items(ctx context.Context) ([]store.QueueItem, error)
	RetryFailedMessages(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int, error)
}

// Typer sends typing indicators.
type Typer interface {
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

// MessageService implements MessageServer.
type MessageService struct {
	store *store.Store
	queue Queue
	typer Typer
}

// NewMessageService creates the message service.
func NewMessageService(st *store.Store, queue Queue, typer Typer) *MessageService {
	return &MessageService{store: st, queue: queue, typer: typer}
}

func (s *MessageService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	if req.ChatID == "" {
		return nil, invalid("chat_id is required")
	}
	msgs, err := s.store.GetMessages(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if req.Limit > 0 && len(msgs) > req.Limit {
		msgs = msgs[len(msgs)-req.Limit:]
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *MessageService) SearchMessages(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, invalid("query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	results, err := s.store.SearchMessages(ctx, req.Query, req.ChatID, limit)
	if err != nil {
		return nil, toStatus("search messages", err)
	}
	return &SearchResponse{Results: results}, nil
}

func (s *MessageService) SendText(ctx context.Context, req *SendRequest) (*QueueItemResponse, error) {
	it, err := s.queue.Enqueue(ctx, req.ChatID, store.QueuePayload{
		Content:          req.Content,
		MessageType:      "text",
		ReplyToMessageID: req.ReplyTo,
	})
	if err != nil {
		return nil, toStatus("send text", err)
	}
	return &QueueItemResponse{Item: *it}, nil
}

func (s *MessageService) ListQueue(ctx context.Context, _ *emptypb.Empty) (*QueueResponse, error) {
	items, err := s.queue.Items(ctx)
	if err != nil {
		return nil, toStatus("list queue", err)
	}
	return &QueueResponse{Items: items}, nil
}

func (s *MessageService) RetryFailed(ctx context.Context, _ *emptypb.Empty) (*CountResponse, error) {
	n, err := s.queue.RetryFailedMessages(ctx)
	if err != nil {
		return nil, toStatus("retry failed", err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *MessageService) ClearFailed(ctx context.Context, _ *emptypb.Empty) (*CountResponse, error) {
	n, err := s.queue.ClearFailed(ctx)
	if err != nil {
		return nil, toStatus("clear failed", err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *MessageService) Typing(ctx context.Context, req *TypingRequest) (*emptypb.Empty, error) {
	if req.ChatID == "" {
		return nil, invalid("chat_id is required")
	}
	if err := s.typer.SetTyping(ctx, req.ChatID, req.Typing); err != nil {
		return nil, toStatus("typing", err)
	}
	return &emptypb.Empty{}, nil
}
