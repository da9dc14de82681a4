// Package relayserver is the signaling relay: it keeps one websocket per
// registered identity and forwards offer/answer envelopes between them
// without looking inside their payload.
package relayserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/signal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const wsWriteWait = time.Second

type Server struct {
	cfg      config.RelayServerConfig
	log      *log.Entry
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[string]*client
	conns      map[*client]struct{}
	httpServer *http.Server
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	// id is set once the client registered; only the serving goroutine touches it
	id string
}

func New(cfg config.RelayServerConfig, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("prefix", "relay")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.GetDefaultRelayServerConfig().MaxMessageBytes
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		clients: make(map[string]*client),
		conns:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler serves the websocket endpoint on the configured signal path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	path := s.cfg.SignalPath
	if path == "" {
		path = "/"
	}
	mux.Handle(path, s)
	return mux
}

func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("relay server already started")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler()}
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Infof("Relay listening on %s%s", s.cfg.ListenAddress, s.cfg.SignalPath)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the http server (if ListenAndServe was used) and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	conns := maps.Keys(s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "relay shutting down")
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Identities lists the currently registered identities, sorted.
func (s *Server) Identities() []string {
	s.mu.Lock()
	ids := maps.Keys(s.clients)
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed: ", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	c := &client{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer s.drop(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.close(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		env, err := signal.ParseEnvelope(data)
		if err != nil {
			s.log.WithField("id", c.id).Debug("Bad envelope: ", err)
			c.send(signal.NewError(signal.CodeBadMessage, c.id, err.Error()))
			continue
		}

		switch env.Action {
		case signal.ActionRegister:
			if !s.register(c, env.ID) {
				return
			}
		case signal.ActionSend:
			s.forward(c, env)
		default:
			c.send(signal.NewError(signal.CodeBadMessage, c.id, "unexpected action "+string(env.Action)))
		}
	}
}

// register claims id for c. It returns false when the connection must be dropped.
func (s *Server) register(c *client, id string) bool {
	if c.id != "" {
		c.send(signal.NewError(signal.CodeBadMessage, c.id, "connection already registered"))
		return true
	}

	s.mu.Lock()
	_, taken := s.clients[id]
	if !taken {
		s.clients[id] = c
	}
	s.mu.Unlock()

	if taken {
		s.log.WithField("id", id).Info("Rejected duplicate registration")
		c.send(signal.NewError(signal.CodeIDTaken, id, "identity already registered"))
		c.close(websocket.ClosePolicyViolation, "identity taken")
		return false
	}
	c.id = id
	s.log.WithField("id", id).Info("Registered")
	c.send(signal.NewRegistered(id))
	return true
}

func (s *Server) forward(c *client, env signal.Envelope) {
	if c.id == "" {
		c.send(signal.NewError(signal.CodeNotRegistered, "", "register before sending"))
		return
	}

	s.mu.Lock()
	target, ok := s.clients[env.Target]
	s.mu.Unlock()
	if !ok {
		s.log.WithFields(log.Fields{"from": c.id, "target": env.Target}).Debug("Target not registered")
		c.send(signal.NewError(signal.CodePeerUnavailable, env.Target, "no peer registered as "+env.Target))
		return
	}

	// from is always the sender's registered identity, whatever the client claimed
	if err := target.send(signal.NewReceive(c.id, env.Target, env.Kind, env.Data)); err != nil {
		c.send(signal.NewError(signal.CodePeerUnavailable, env.Target, err.Error()))
		return
	}
	s.log.WithFields(log.Fields{"from": c.id, "target": env.Target, "kind": env.Kind}).Debug("Forwarded")
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.conns, c)
	if c.id != "" && s.clients[c.id] == c {
		delete(s.clients, c.id)
		s.log.WithField("id", c.id).Info("Unregistered")
	}
	s.mu.Unlock()
	c.ws.Close()
}

func (c *client) send(env signal.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
