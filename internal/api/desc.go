package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Service and method names follow proto/chatsync/v1/chatsync.proto.
const (
	sessionServiceName = "chatsync.v1.SessionService"
	syncServiceName    = "chatsync.v1.SyncService"
	chatServiceName    = "chatsync.v1.ChatService"
	messageServiceName = "chatsync.v1.MessageService"
)

// SessionServer is the session control service.
type SessionServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*StatusResponse, error)
	SetAuthToken(context.Context, *TokenRequest) (*TokenResponse, error)
	Foreground(context.Context, *emptypb.Empty) (*SyncStatus, error)
	Background(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// SyncServer is the reconciliation control service.
type SyncServer interface {
	SyncAll(context.Context, *SyncRequest) (*SyncStatus, error)
	GetSyncStatus(context.Context, *emptypb.Empty) (*SyncStatus, error)
	WatchEvents(*WatchRequest, EventStream) error
}

// ChatServer is the chat service.
type ChatServer interface {
	ListChats(context.Context, *emptypb.Empty) (*ChatsResponse, error)
	CreateChat(context.Context, *CreateChatRequest) (*ChatResponse, error)
	DeleteChat(context.Context, *ChatRequest) (*emptypb.Empty, error)
	MarkRead(context.Context, *ChatRequest) (*emptypb.Empty, error)
	EnterChat(context.Context, *ChatRequest) (*MessagesResponse, error)
	LeaveChat(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// MessageServer is the message and send-queue service.
type MessageServer interface {
	ListMessages(context.Context, *ListMessagesRequest) (*MessagesResponse, error)
	SearchMessages(context.Context, *SearchRequest) (*SearchResponse, error)
	SendText(context.Context, *SendRequest) (*QueueItemResponse, error)
	ListQueue(context.Context, *emptypb.Empty) (*QueueResponse, error)
	RetryFailed(context.Context, *emptypb.Empty) (*CountResponse, error)
	ClearFailed(context.Context, *emptypb.Empty) (*CountResponse, error)
	Typing(context.Context, *TypingRequest) (*emptypb.Empty, error)
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(e *Event) error { return s.SendMsg(e) }

// unary builds a method descriptor around a typed handler.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(sessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(sessionServiceName, "SetAuthToken", SessionServer.SetAuthToken),
		unary(sessionServiceName, "Foreground", SessionServer.Foreground),
		unary(sessionServiceName, "Background", SessionServer.Background),
	},
	Metadata: "chatsync/v1",
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(syncServiceName, "SyncAll", SyncServer.SyncAll),
		unary(syncServiceName, "GetSyncStatus", SyncServer.GetSyncStatus),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(SyncServer).WatchEvents(in, eventStream{stream})
		},
	}},
	Metadata: "chatsync/v1",
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(chatServiceName, "ListChats", ChatServer.ListChats),
		unary(chatServiceName, "CreateChat", ChatServer.CreateChat),
		unary(chatServiceName, "DeleteChat", ChatServer.DeleteChat),
		unary(chatServiceName, "MarkRead", ChatServer.MarkRead),
		unary(chatServiceName, "EnterChat", ChatServer.EnterChat),
		unary(chatServiceName, "LeaveChat", ChatServer.LeaveChat),
	},
	Metadata: "chatsync/v1",
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: messageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(messageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(messageServiceName, "SearchMessages", MessageServer.SearchMessages),
		unary(messageServiceName, "SendText", MessageServer.SendText),
		unary(messageServiceName, "ListQueue", MessageServer.ListQueue),
		unary(messageServiceName, "RetryFailed", MessageServer.RetryFailed),
		unary(messageServiceName, "ClearFailed", MessageServer.ClearFailed),
		unary(messageServiceName, "Typing", MessageServer.Typing),
	},
	Metadata: "chatsync/v1",
}

// Register adds the four services to s.
func Register(s grpc.ServiceRegistrar, session SessionServer, sync SyncServer, chat ChatServer, message MessageServer) {
	s.RegisterService(&sessionServiceDesc, session)
	s.RegisterService(&syncServiceDesc, sync)
	s.RegisterService(&chatServiceDesc, chat)
	s.RegisterService(&messageServiceDesc, message)
}
