package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// Engine is the reconciliation engine as seen by the services.
type Engine interface {
	SyncAllData(ctx context.Context, opts chatsync.SyncOptions) *chatsync.Result
	Status() chatsync.Status
	MarkChatRead(ctx context.Context, chatID string) error
	HandleChatCreated(ctx context.Context, rec backend.Record) (store.Chat, bool)
	RemoveChat(ctx context.Context, chatID string)
}

// SyncService implements SyncServer.
type SyncService struct {
	engine  Engine
	bus     *bus.Bus
	profile string
}

// NewSyncService creates the sync service.
func NewSyncService(engine Engine, b *bus.Bus, profile string) *SyncService {
	return &SyncService{engine: engine, bus: b, profile: profile}
}

func (s *SyncService) SyncAll(ctx context.Context, req *SyncRequest) (*SyncStatus, error) {
	res := s.engine.SyncAllData(ctx, chatsync.SyncOptions{Force: req.Force, ChatID: req.ChatID})
	st := syncStatus(s.engine.Status())
	st.LastResult = res
	return &st, nil
}

func (s *SyncService) GetSyncStatus(context.Context, *emptypb.Empty) (*SyncStatus, error) {
	st := syncStatus(s.engine.Status())
	return &st, nil
}

func (s *SyncService) WatchEvents(req *WatchRequest, stream EventStream) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, req.Prefixes) {
				continue
			}
			payload, _ := json.Marshal(evt.Payload)
			if err := stream.Send(&Event{
				EventID:          uuid.NewString(),
				Profile:          s.profile,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				PayloadVersion:   1,
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matches(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}
