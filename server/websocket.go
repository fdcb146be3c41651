package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainguard-network/chainguard/push"
)

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024

	// Inbound frames carry no application data; anything larger than a
	// control frame is a misbehaving client.
	wsReadLimit = 1024

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// handleEvents upgrades the request to a WebSocket and streams push
// envelopes matching the requested topic patterns. Query parameters:
//
//	topics  comma-separated patterns, e.g. "contracts.0xabc.*" (default "*")
//	after   last sequence number the client saw; buffered envelopes past
//	        it are replayed before live delivery begins
//
// Deeper gaps than the replay window can cover require a REST resync.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patterns := parseTopics(q.Get("topics"))

	var after uint64
	replay := q.Has("after")
	if replay {
		n, err := strconv.ParseUint(q.Get("after"), 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	upgradeMeter.Mark(1)

	// Subscribe before replaying so nothing published in between is lost;
	// the writer skips live envelopes the replay already covered.
	sub := s.bus.Subscribe(patterns)
	var replayed []*push.Envelope
	if replay {
		replayed = s.bus.Replay(patterns, after)
	}

	c := &wsClient{srv: s, conn: conn, sub: sub}
	s.addClient(c)
	s.log.Debug("Event stream client connected", "remote", conn.RemoteAddr(), "topics", strings.Join(patterns, ","), "replayed", len(replayed))

	s.wg.Add(2)
	go c.readLoop()
	go c.writeLoop(replayed)
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	patterns := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return []string{"*"}
	}
	return patterns
}

// wsOriginChecker accepts upgrades with no Origin header (non-browser
// clients) or an Origin equal to the configured frontend.
func wsOriginChecker(frontend string) func(*http.Request) bool {
	allowed := strings.TrimSuffix(strings.ToLower(frontend), "/")
	return func(r *http.Request) bool {
		origin := strings.TrimSuffix(strings.ToLower(r.Header.Get("Origin")), "/")
		return origin == "" || allowed == "" || origin == allowed
	}
}

// wsClient is one streaming connection. The bus subscription channel is
// the connection's write queue: when the client cannot keep up the bus
// drops envelopes rather than blocking the publisher.
type wsClient struct {
	srv  *Server
	conn *websocket.Conn
	sub  *push.Subscription
}

func (s *Server) addClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	clientGauge.Update(int64(len(s.clients)))
	s.mu.Unlock()
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	clientGauge.Update(int64(len(s.clients)))
	s.mu.Unlock()
}

// close tears the connection down from either loop or from Stop.
// Unsubscribing closes the subscription channel, which ends the writer;
// closing the conn ends the reader.
func (c *wsClient) close() {
	c.sub.Unsubscribe()
	c.conn.Close()
	c.srv.removeClient(c)
}

// readLoop discards inbound frames and feeds the pong handler. The
// client has nothing to say after the handshake; a read error of any
// kind means the connection is gone.
func (c *wsClient) readLoop() {
	defer c.srv.wg.Done()
	defer c.close()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop replays buffered envelopes, then forwards live ones,
// interleaving pings so half-dead connections are reaped.
func (c *wsClient) writeLoop(replayed []*push.Envelope) {
	defer c.srv.wg.Done()
	defer c.close()

	var last uint64
	for _, env := range replayed {
		if err := c.write(env); err != nil {
			return
		}
		last = env.Seq
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case env, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if env.Seq <= last {
				continue
			}
			if err := c.write(env); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(env *push.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return err
	}
	wsSentMeter.Mark(1)
	return nil
}
