package api

import (
	"context"
	"errors"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/store"
)

// ChatBackend is the part of the backend client used for chat management.
type ChatBackend interface {
	CreateChat(ctx context.Context, chat backend.NewChat) (backend.Record, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// ChatService implements ChatServer.
type ChatService struct {
	store  *store.Store
	engine Engine
	api    ChatBackend
	focus  Focus
}

// NewChatService creates the chat service.
func NewChatService(st *store.Store, engine Engine, api ChatBackend, focus Focus) *ChatService {
	return &ChatService{store: st, engine: engine, api: api, focus: focus}
}

func (s *ChatService) ListChats(ctx context.Context, _ *emptypb.Empty) (*ChatsResponse, error) {
	chats, err := s.store.GetChats(ctx)
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	return &ChatsResponse{Chats: chats}, nil
}

func (s *ChatService) CreateChat(ctx context.Context, req *CreateChatRequest) (*ChatResponse, error) {
	if len(req.Participants) == 0 {
		return nil, invalid("at least one participant is required")
	}
	typ := req.Type
	if typ == "" {
		typ = string(store.ChatDirect)
		if len(req.Participants) > 1 {
			typ = string(store.ChatGroup)
		}
	}
	rec, err := s.api.CreateChat(ctx, backend.NewChat{
		Type:         typ,
		Name:         req.Name,
		Description:  req.Description,
		Participants: req.Participants,
	})
	if err != nil {
		return nil, toStatus("create chat", err)
	}
	chat, ok := s.engine.HandleChatCreated(ctx, rec)
	if !ok {
		return nil, toStatus("create chat", errors.New("backend returned a chat without id"))
	}
	return &ChatResponse{Chat: chat}, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, req *ChatRequest) (*emptypb.Empty, error) {
	if req.ChatID == "" {
		return nil, invalid("chat_id is required")
	}
	// Already gone on the server still means gone locally.
	if err := s.api.DeleteChat(ctx, req.ChatID); err != nil && !errors.Is(err, backend.ErrChatNotFound) {
		return nil, toStatus("delete chat", err)
	}
	s.engine.RemoveChat(ctx, req.ChatID)
	return &emptypb.Empty{}, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *ChatRequest) (*emptypb.Empty, error) {
	if req.ChatID == "" {
		return nil, invalid("chat_id is required")
	}
	if err := s.engine.MarkChatRead(ctx, req.ChatID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChatService) EnterChat(ctx context.Context, req *ChatRequest) (*MessagesResponse, error) {
	if req.ChatID == "" {
		return nil, invalid("chat_id is required")
	}
	msgs, err := s.focus.EnterChat(ctx, req.ChatID)
	resp := &MessagesResponse{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []store.Message{}
	}
	if err != nil {
		resp.Warning = "showing cached messages: " + err.Error()
	}
	return resp, nil
}

func (s *ChatService) LeaveChat(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.focus.LeaveChat()
	return &emptypb.Empty{}, nil
}
