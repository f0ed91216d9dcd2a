package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotReady), errors.Is(err, realtime.ErrNotConnected):
		code = codes.Unavailable
	case errors.Is(err, backend.ErrUnauthorized), errors.Is(err, realtime.ErrNoToken):
		code = codes.Unauthenticated
	case errors.Is(err, backend.ErrChatNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrEmptyMessage), errors.Is(err, store.ErrInvalidMessage):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500 {
		code = codes.FailedPrecondition
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}
