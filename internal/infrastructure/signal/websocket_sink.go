package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"relaygrid/internal/core/domain"
)

// outboundFrame is the media-over-websocket wire format: metadata as JSON,
// the RTP packet base64-encoded by encoding/json's []byte handling.
type outboundFrame struct {
	TrackID domain.TrackID `json:"track_id"`
	Packet  []byte         `json:"packet"`
}

// WebsocketSink implements ports.PacketSink over one browser websocket.
// Sends are decoupled from packet ingestion by a bounded queue: a slow
// socket loses packets instead of stalling the coordinator actor. The
// munging scheme downstream is built to tolerate those drops.
type WebsocketSink struct {
	conn         *websocket.Conn
	queue        chan outboundFrame
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped uint64
}

// NewWebsocketSink starts the writer goroutine for an accepted connection.
func NewWebsocketSink(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *WebsocketSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &WebsocketSink{
		conn:         conn,
		queue:        make(chan outboundFrame, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		closed:       make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *WebsocketSink) SendPacket(trackID domain.TrackID, packet *rtp.Packet) error {
	select {
	case <-s.closed:
		return domain.ErrSinkClosed
	default:
	}

	raw, err := packet.Marshal()
	if err != nil {
		return err
	}

	select {
	case s.queue <- outboundFrame{TrackID: trackID, Packet: raw}:
		return nil
	default:
		// queue full: drop, never block the caller
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped%100 == 1 {
			s.logger.Warnw("websocket sink dropping packets, slow consumer",
				"dropped_total", dropped,
			)
		}
		return nil
	}
}

// Dropped returns how many packets the sink has shed so far.
func (s *WebsocketSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *WebsocketSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close()
}

func (s *WebsocketSink) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.queue:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Warnw("failed to marshal outbound frame", "error", err)
				continue
			}
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.logger.Warnw("websocket write failed, closing sink", "error", err)
				s.Close()
				return
			}
		}
	}
}
