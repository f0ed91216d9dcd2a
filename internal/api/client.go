package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client is a typed control client for a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, sessionServiceName, "GetStatus", &emptypb.Empty{})
}

func (c *Client) SetAuthToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	return invoke[TokenResponse](ctx, c, sessionServiceName, "SetAuthToken", req)
}

func (c *Client) Foreground(ctx context.Context) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c, sessionServiceName, "Foreground", &emptypb.Empty{})
}

func (c *Client) Background(ctx context.Context) error {
	_, err := invoke[emptypb.Empty](ctx, c, sessionServiceName, "Background", &emptypb.Empty{})
	return err
}

func (c *Client) SyncAll(ctx context.Context, req *SyncRequest) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c, syncServiceName, "SyncAll", req)
}

func (c *Client) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c, syncServiceName, "GetSyncStatus", &emptypb.Empty{})
}

// WatchEvents streams events until ctx is cancelled or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, req *WatchRequest, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &syncServiceDesc.Streams[0], "/"+syncServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var evt Event
		if err := stream.RecvMsg(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}

func (c *Client) ListChats(ctx context.Context) (*ChatsResponse, error) {
	return invoke[ChatsResponse](ctx, c, chatServiceName, "ListChats", &emptypb.Empty{})
}

func (c *Client) CreateChat(ctx context.Context, req *CreateChatRequest) (*ChatResponse, error) {
	return invoke[ChatResponse](ctx, c, chatServiceName, "CreateChat", req)
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	_, err := invoke[emptypb.Empty](ctx, c, chatServiceName, "DeleteChat", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := invoke[emptypb.Empty](ctx, c, chatServiceName, "MarkRead", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) EnterChat(ctx context.Context, chatID string) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, chatServiceName, "EnterChat", &ChatRequest{ChatID: chatID})
}

func (c *Client) LeaveChat(ctx context.Context) error {
	_, err := invoke[emptypb.Empty](ctx, c, chatServiceName, "LeaveChat", &emptypb.Empty{})
	return err
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, messageServiceName, "ListMessages", req)
}

func (c *Client) SearchMessages(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, messageServiceName, "SearchMessages", req)
}

func (c *Client) SendText(ctx context.Context, req *SendRequest) (*QueueItemResponse, error) {
	return invoke[QueueItemResponse](ctx, c, messageServiceName, "SendText", req)
}

func (c *Client) ListQueue(ctx context.Context) (*QueueResponse, error) {
	return invoke[QueueResponse](ctx, c, messageServiceName, "ListQueue", &emptypb.Empty{})
}

func (c *Client) RetryFailed(ctx context.Context) (*CountResponse, error) {
	return invoke[CountResponse](ctx, c, messageServiceName, "RetryFailed", &emptypb.Empty{})
}

func (c *Client) ClearFailed(ctx context.Context) (*CountResponse, error) {
	return invoke[CountResponse](ctx, c, messageServiceName, "ClearFailed", &emptypb.Empty{})
}

func (c *Client) Typing(ctx context.Context, chatID string, typing bool) error {
	_, err := invoke[emptypb.Empty](ctx, c, messageServiceName, "Typing", &TypingRequest{ChatID: chatID, Typing: typing})
	return err
}
