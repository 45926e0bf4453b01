package ingest

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"ofipipe/internal/model"
)

const (
	wsReadLimit    = 4 << 20
	wsPongWait     = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

// WSSource streams events from a websocket endpoint that speaks the event
// wire format, one JSON object per message. Disconnects reconnect forever
// under a rate limit; the stream only ends on cancellation.
type WSSource struct {
	url       string
	subscribe []string // raw subscription payloads sent after connect
	reconnect *rate.Limiter

	Read      int64
	Malformed int64
	Reconnects int64
}

// NewWSSource connects to url and sends each subscribe payload on every
// (re)connect.
func NewWSSource(url string, subscribe []string) *WSSource {
	return &WSSource{
		url:       url,
		subscribe: subscribe,
		// one reconnect per 2s sustained, small burst for flapping links
		reconnect: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
}

// Run streams until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context, out chan<- model.Event) error {
	for {
		if err := s.reconnect.Wait(ctx); err != nil {
			return err
		}
		err := s.runConn(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Reconnects++
		log.Warn().Err(err).Str("url", s.url).Int64("reconnects", s.Reconnects).
			Msg("websocket dropped, reconnecting")
	}
}

func (s *WSSource) runConn(ctx context.Context, out chan<- model.Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for _, payload := range s.subscribe {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			s.Malformed++
			continue
		}
		select {
		case out <- ev:
			s.Read++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WSSource) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		}
	}
}
