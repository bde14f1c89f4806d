package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/world/terrain/coords"
)

// Source provides the current encoding of loaded chunks for new subscribers.
type Source interface {
	EncodeLoaded(lo, hi coords.ChunkKey) ([]snapshot.ChunkV1, error)
}

type Config struct {
	Welcome protocol.WelcomeMsg
	// Queue is the per-connection frame queue; a mirror that lets it fill up
	// is disconnected.
	Queue int
	// MaxRegion caps the number of chunks one subscription may cover.
	MaxRegion int
}

// Server is the replication feed: it pushes every flushed chunk encoding to
// the mirrors subscribed to a rectangle containing it.
type Server struct {
	src Source
	cfg Config
	log logrus.FieldLogger

	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	done     chan struct{}
	doneOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	name     string
	min, max coords.ChunkKey
	out      chan []byte

	slow     chan struct{}
	slowOnce sync.Once
}

func (s *subscriber) contains(k coords.ChunkKey) bool {
	return k.CX >= s.min.CX && k.CX <= s.max.CX && k.CY >= s.min.CY && k.CY <= s.max.CY
}

func (s *subscriber) markSlow() { s.slowOnce.Do(func() { close(s.slow) }) }

func NewServer(src Source, cfg Config, logger logrus.FieldLogger) *Server {
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.MaxRegion <= 0 {
		cfg.MaxRegion = 64 * 64
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		src:  src,
		cfg:  cfg,
		log:  logger.WithField("component", "mirror"),
		subs: map[*subscriber]struct{}{},
		done: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // mirrors are trusted peers
		},
	}
}

// Publish queues data for every subscriber whose rectangle contains key.
// It never blocks: a subscriber with a full queue is disconnected.
func (s *Server) Publish(key coords.ChunkKey, data []byte) {
	s.published.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if !sub.contains(key) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			s.dropped.Add(1)
			sub.markSlow()
		}
	}
}

// SetSource sets the provider of initial state for new subscriptions. The
// feed and the world reference each other, so it is set after construction.
func (s *Server) SetSource(src Source) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

func (s *Server) source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.src
}

// Shutdown disconnects every mirror. Connections accepted afterwards are
// refused.
func (s *Server) Shutdown() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

func (s *Server) Stats() Stats {
	return Stats{Subscribers: s.Subscribers(), Published: s.published.Load(), Dropped: s.dropped.Load()}
}

func (s *Server) add(sub *subscriber) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := s.handshake(conn)
		if sub == nil {
			return
		}
		log := s.log.WithField("mirror", sub.name)
		defer s.remove(sub)

		// Reader: mirrors send nothing after SUBSCRIBE; reading surfaces the close.
		gone := make(chan struct{})
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		})
		go func() {
			defer close(gone)
			for {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(20 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				log.Debug("mirror disconnected")
				return
			case <-s.done:
				s.closeWith(conn, protocol.ErrShuttingDown, "server shutting down")
				return
			case <-sub.slow:
				log.Warn("mirror too slow, disconnecting")
				s.closeWith(conn, protocol.ErrSlowConsumer, "queue full")
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case b := <-sub.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *subscriber {
	select {
	case <-s.done:
		s.closeWith(conn, protocol.ErrShuttingDown, "server shutting down")
		return nil
	default:
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.closeWith(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.closeWith(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.closeWith(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil
	}
	name := strings.TrimSpace(hello.MirrorName)
	if name == "" {
		name = "mirror"
	}
	queue := s.cfg.Queue
	if hello.MaxQueue > 0 && hello.MaxQueue < queue {
		queue = hello.MaxQueue
	}

	welcome := s.cfg.Welcome
	welcome.Type = protocol.TypeWelcome
	welcome.ProtocolVersion = protocol.Version
	if err := s.writeJSON(conn, welcome); err != nil {
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err = conn.ReadMessage()
	if err != nil {
		return nil
	}
	var req protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.Type != protocol.TypeSubscribe {
		s.closeWith(conn, protocol.ErrProtoBadRequest, "expected SUBSCRIBE")
		return nil
	}
	lo := coords.ChunkKey{CX: req.Min[0], CY: req.Min[1]}
	hi := coords.ChunkKey{CX: req.Max[0], CY: req.Max[1]}
	if code, reason := s.checkRegion(lo, hi); code != "" {
		_ = s.writeJSON(conn, protocol.AckMsg{
			Type: protocol.TypeAck, ProtocolVersion: protocol.Version,
			AckFor: protocol.TypeSubscribe, Code: code, Message: reason,
		})
		return nil
	}

	sub := &subscriber{name: name, min: lo, max: hi, out: make(chan []byte, queue), slow: make(chan struct{})}
	// Register before taking the initial state so no flush falls in between;
	// a chunk may then arrive twice, and mirrors keep the last copy per key.
	s.add(sub)
	var chunks []snapshot.ChunkV1
	if src := s.source(); src != nil {
		chunks, err = src.EncodeLoaded(lo, hi)
	}
	if err != nil {
		s.remove(sub)
		s.log.WithError(err).Error("encode loaded chunks")
		s.closeWith(conn, protocol.ErrInternal, "encode failed")
		return nil
	}
	if err := s.writeJSON(conn, protocol.AckMsg{
		Type: protocol.TypeAck, ProtocolVersion: protocol.Version,
		AckFor: protocol.TypeSubscribe, Accepted: true, Chunks: len(chunks),
	}); err != nil {
		s.remove(sub)
		return nil
	}
	for _, c := range chunks {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, c.Data); err != nil {
			s.remove(sub)
			return nil
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.log.WithFields(logrus.Fields{"mirror": name, "min": lo.String(), "max": hi.String(), "initial": len(chunks)}).Info("mirror subscribed")
	return sub
}

func (s *Server) checkRegion(lo, hi coords.ChunkKey) (string, string) {
	if lo.CX > hi.CX || lo.CY > hi.CY {
		return protocol.ErrBadRequest, "min must not exceed max"
	}
	w := int64(hi.CX) - int64(lo.CX) + 1
	h := int64(hi.CY) - int64(lo.CY) + 1
	if w*h > int64(s.cfg.MaxRegion) {
		return protocol.ErrRegionTooBig, "region too big"
	}
	return "", ""
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) closeWith(conn *websocket.Conn, code, reason string) {
	_ = s.writeJSON(conn, protocol.NewError(code, reason))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}
