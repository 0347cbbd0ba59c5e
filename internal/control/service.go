// Package control answers lyrics.control.<op> requests on the bus.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/lyricsync/internal/bus"
	"github.com/loqalabs/lyricsync/internal/protocol"
	"github.com/loqalabs/lyricsync/internal/session"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 10 * time.Second

type Service struct {
	bus      *bus.Client
	sessions *session.Manager
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	mu       sync.Mutex
	ready    bool
}

func NewService(parent context.Context, busClient *bus.Client, sessions *session.Manager) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		sessions: sessions,
		log:      busClient.Logger().With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.log.Info("control service listening", slog.String("subject", protocol.SubjectControlPrefix+".*"))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, protocol.ControlReply{Error: "decode request: " + err.Error(), ErrorClass: "bad_request"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	reply := s.dispatch(ctx, op, req)
	if reply.Error != "" {
		s.log.Info("control request rejected",
			slog.String("op", op),
			slog.String("session_id", reply.SessionID),
			slog.String("class", reply.ErrorClass),
			slog.String("error", reply.Error))
	}
	s.reply(msg, reply)
}

func (s *Service) dispatch(ctx context.Context, op string, req protocol.ControlRequest) protocol.ControlReply {
	if op == protocol.ControlOpen {
		sess, err := s.sessions.Create(ctx, session.Request{
			TimelinePath: req.TimelinePath,
			AudioPath:    req.AudioPath,
			NoAudio:      req.NoAudio,
		})
		if err != nil {
			return failure(req.SessionID, err)
		}
		return status(sess)
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return failure(req.SessionID, err)
	}
	switch op {
	case protocol.ControlPlay:
		err = sess.Play(ctx)
	case protocol.ControlPause:
		err = sess.Pause(ctx)
	case protocol.ControlResume:
		err = sess.Resume(ctx)
	case protocol.ControlSeek:
		err = sess.Seek(ctx, timeline.Seconds(req.Seconds))
	case protocol.ControlStop:
		err = sess.Stop(ctx)
	case protocol.ControlStatus:
	case protocol.ControlClose:
		if err := s.sessions.Delete(ctx, req.SessionID); err != nil {
			return failure(req.SessionID, err)
		}
		return protocol.ControlReply{SessionID: req.SessionID, State: "closed"}
	default:
		return protocol.ControlReply{SessionID: req.SessionID, Error: fmt.Sprintf("unknown operation %q", op), ErrorClass: "bad_request"}
	}
	reply := status(sess)
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorClass = session.Classify(err)
	}
	return reply
}

func status(sess *session.Session) protocol.ControlReply {
	info := sess.Info()
	return protocol.ControlReply{
		SessionID: info.ID,
		State:     info.State,
		PositionS: info.Position,
		Degraded:  info.Degraded,
	}
}

func failure(id string, err error) protocol.ControlReply {
	return protocol.ControlReply{SessionID: id, Error: err.Error(), ErrorClass: session.Classify(err)}
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
