// Package api serves the swarm UI's HTTP surface: health, status, a
// recent-gossip snapshot and a websocket live feed. Read only; nothing
// here writes to the ledger or the swarm store.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/xtruong1909/rl-swarm/gossip"
)

var log = logging.Logger("api")

// staleAfter is how long without a successful oracle poll before the
// health endpoint reports unhealthy.
const staleAfter = 5 * time.Minute

// recentLimit bounds the in-memory snapshot of recently published
// gossip served to newly connected UIs.
const recentLimit = 200

// StatusSource contributes one named section to the status endpoint.
type StatusSource func() map[string]interface{}

// Server is the HTTP API server.
type Server struct {
	publisher *gossip.Publisher
	addr      string
	router    *mux.Router
	server    *http.Server
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu      sync.Mutex
	sources map[string]StatusSource
	recent  []gossip.MessageData
	clients map[*websocket.Conn]chan *gossip.Message
}

// NewServer creates the API server over a running gossip publisher. It
// hooks the publisher's publish callback, so it must be constructed
// before the publisher starts.
func NewServer(publisher *gossip.Publisher, addr string, enableCORS bool) *Server {
	s := &Server{
		publisher: publisher,
		addr:      addr,
		now:       time.Now,
		sources:   make(map[string]StatusSource),
		clients:   make(map[*websocket.Conn]chan *gossip.Message),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return enableCORS },
		},
	}

	publisher.OnPublish = s.onPublish
	s.setupRoutes(enableCORS)
	return s
}

// AddStatusSource registers a named contributor to the status endpoint.
func (s *Server) AddStatusSource(name string, source StatusSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = source
}

func (s *Server) setupRoutes(enableCORS bool) {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.getHealth).Methods("GET")
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/gossip", s.getGossip).Methods("GET")
	api.HandleFunc("/gossip/ws", s.gossipWS).Methods("GET")

	if enableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		})
		s.router.Use(c.Handler)
	}
	s.router.Use(s.loggingMiddleware)
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("API server listening on %s", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the websocket feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn, ch := range s.clients {
		close(ch)
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// getHealth reports unhealthy when the gossip publisher has never
// reached the oracle, or has not reached it recently.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	lastPolled := s.publisher.LastPolled()
	round, stage := s.publisher.Cursor()

	healthy := !lastPolled.IsZero() && s.now().Sub(lastPolled) <= staleAfter
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
		"round":     round,
		"stage":     stage,
	}
	if !lastPolled.IsZero() {
		body["last_polled"] = lastPolled.UTC().Format(time.RFC3339)
	}
	if !healthy {
		body["status"] = "unhealthy"
		s.writeJSONStatus(w, body, http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, body)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	round, stage := s.publisher.Cursor()
	body := map[string]interface{}{
		"round":     round,
		"stage":     stage,
		"timestamp": s.now().Unix(),
	}

	s.mu.Lock()
	for name, source := range s.sources {
		body[name] = source()
	}
	s.mu.Unlock()

	s.writeJSON(w, body)
}

// getGossip returns the most recently published gossip entries, newest
// last.
func (s *Server) getGossip(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries := make([]gossip.MessageData, len(s.recent))
	copy(entries, s.recent)
	s.mu.Unlock()

	s.writeJSON(w, map[string]interface{}{"data": entries})
}

// gossipWS streams every published batch to the client as it happens,
// starting with the recent snapshot.
func (s *Server) gossipWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ch := make(chan *gossip.Message, 16)
	s.mu.Lock()
	snapshot := make([]gossip.MessageData, len(s.recent))
	copy(snapshot, s.recent)
	s.clients[conn] = ch
	s.mu.Unlock()

	log.Infow("Gossip feed client connected", "remote", r.RemoteAddr)

	go s.readUntilClosed(conn)

	if len(snapshot) > 0 {
		if err := conn.WriteJSON(&gossip.Message{Type: "gossip", Data: snapshot}); err != nil {
			s.dropClient(conn)
			return
		}
	}
	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			log.Debugw("Gossip feed client write failed", "remote", r.RemoteAddr, "error", err)
			s.dropClient(conn)
			return
		}
	}
}

// readUntilClosed drains client frames so pings are answered, and drops
// the client when the connection dies.
func (s *Server) readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.dropClient(conn)
			return
		}
	}
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.clients[conn]; ok {
		close(ch)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	conn.Close()
}

// onPublish runs on the publisher's poll goroutine for every published
// batch. Slow websocket clients are skipped, never block the pipeline.
func (s *Server) onPublish(msg *gossip.Message) {
	s.mu.Lock()
	s.recent = append(s.recent, msg.Data...)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, data, http.StatusOK)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("Error encoding JSON response: %v", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Debugf("%s %s %d %v", r.Method, r.URL.Path, lrw.statusCode, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	return hj.Hijack()
}
