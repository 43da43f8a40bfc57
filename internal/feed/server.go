package feed

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/source"
)

// Server exposes a source.Source as a SnapshotFeedServer.
type Server struct {
	src source.Source
	log logging.Logger
}

var _ SnapshotFeedServer = (*Server)(nil)

// NewServer constructs a feed server over src.
func NewServer(src source.Source, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{src: src, log: log}
}

// WatchLatest implements SnapshotFeedServer.
func (s *Server) WatchLatest(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	path, err := requestPath(req)
	if err != nil {
		return ToStatusError(err)
	}
	return s.watch(stream, path, func(ctx context.Context, box *mailbox, onErr func(error)) (func(), error) {
		return s.src.SubscribeLatest(ctx, path, func(v any) {
			msg, err := ToValue(v)
			if err != nil {
				onErr(err)
				return
			}
			box.put(msg)
		}, onErr)
	})
}

// WatchAll implements SnapshotFeedServer.
func (s *Server) WatchAll(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	path, err := requestPath(req)
	if err != nil {
		return ToStatusError(err)
	}
	return s.watch(stream, path, func(ctx context.Context, box *mailbox, onErr func(error)) (func(), error) {
		return s.src.SubscribeAll(ctx, path, func(entries []source.Entry) {
			msg, err := ToEntries(entries)
			if err != nil {
				onErr(err)
				return
			}
			box.put(msg)
		}, onErr)
	})
}

type subscribeFunc func(ctx context.Context, box *mailbox, onErr func(error)) (cancel func(), err error)

// watch pumps messages from a source registration into stream. Only the
// newest undelivered message is kept, so a slow client skips intermediate
// states instead of stalling the source.
func (s *Server) watch(stream grpc.ServerStream, path string, subscribe subscribeFunc) error {
	ctx := stream.Context()
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}
	log = log.With(logging.String("path", path))

	box := newMailbox()
	errCh := make(chan error, 1)
	onErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	cancel, err := subscribe(ctx, box, onErr)
	if err != nil {
		log.Warn(ctx, "feed subscribe failed", logging.Err(err))
		return ToStatusError(err)
	}
	defer cancel()
	log.Debug(ctx, "feed stream opened")

	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "feed stream closed by client")
			return nil
		case err := <-errCh:
			log.Warn(ctx, "feed source failed", logging.Err(err))
			return ToStatusError(err)
		case <-box.ready:
			msg := box.take()
			if msg == nil {
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func requestPath(req *wrapperspb.StringValue) (string, error) {
	path := strings.Trim(strings.TrimSpace(req.GetValue()), "/")
	if path == "" {
		return "", ErrEmptyPath
	}
	return path, nil
}

// mailbox is a single-slot, latest-wins handoff between a source callback and
// the sending goroutine.
type mailbox struct {
	mu    sync.Mutex
	msg   proto.Message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(msg proto.Message) {
	m.mu.Lock()
	m.msg = msg
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.msg
	m.msg = nil
	return msg
}
