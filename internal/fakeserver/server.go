// Package fakeserver provides a fake CRM backend for tests: a GraphQL
// endpoint over HTTP and a websocket that speaks the channel protocol used
// by pkg/connection.
//
// GraphQL requests are answered from stub responses matched by operation
// name, in the order they were added. Stubs can inject failures (delays,
// HTTP errors, invalid JSON). The socket side accepts joins and lets tests
// push events to joined topics or drop every connection to exercise
// reconnects.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"

	"github.com/crmsync/crmsync/pkg/transport"
)

const (
	QueryPath  = "/query"
	SocketPath = "/socket/websocket"
)

// FailureType represents the type of failure to inject while answering a request.
type FailureType string

const (
	// FailureDelay sleeps for Delay before answering
	FailureDelay FailureType = "delay"
	// FailureHTTPStatus answers with StatusCode and a plain text body
	FailureHTTPStatus FailureType = "http_status"
	// FailureInvalidJSON answers 200 with a body that is not JSON
	FailureInvalidJSON FailureType = "invalid_json"
)

type FailureConfig struct {
	Type       FailureType
	Delay      time.Duration
	StatusCode int
}

// RequestMatcher selects the requests a stub answers.
type RequestMatcher struct {
	// OperationName is the GraphQL operation name to match
	OperationName string
	// Matcher optionally inspects the raw variables.
	Matcher func(vars json.RawMessage) bool
}

// StubResponse is a canned GraphQL answer. Data is marshaled into the "data"
// member; Errors become the "errors" array.
type StubResponse struct {
	Matcher  RequestMatcher
	Data     any
	Errors   []string
	Failures []FailureConfig
}

// Request is a GraphQL request the server received.
type Request struct {
	OperationName string          `json:"operationName"`
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables"`
	APIKey        string          `json:"-"`
	Authorization string          `json:"-"`
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

type client struct {
	conn    *gorilla.Conn
	writeMu sync.Mutex
	topics  map[string]bool
}

func (c *client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(gorilla.TextMessage, data)
}

// Server is the fake backend. It listens on a random local port.
type Server struct {
	httpServer *httptest.Server
	upgrader   gorilla.Upgrader

	mu           sync.Mutex
	stubs        []StubResponse
	requests     []Request
	clients      map[*client]bool
	joins        map[string]int
	rejectJoins  map[string]string
	joinAttempts map[string]int
	joinDelay    time.Duration
	tokens       []string
	joinedSignal chan struct{}
}

func NewServer() *Server {
	s := &Server{
		clients:      make(map[*client]bool),
		joins:        make(map[string]int),
		rejectJoins:  make(map[string]string),
		joinAttempts: make(map[string]int),
		joinedSignal: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Post(QueryPath, s.handleQuery)
	r.Get(SocketPath, s.handleSocket)

	s.httpServer = httptest.NewServer(r)
	return s
}

// QueryURL is the GraphQL endpoint.
func (s *Server) QueryURL() string {
	return s.httpServer.URL + QueryPath
}

// SocketURL is the websocket endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + SocketPath
}

// AddStubResponse adds a stub. Stubs are matched in the order they were added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, stub)
}

// SimpleStubResponse answers every request for operationName with data.
func SimpleStubResponse(operationName string, data any) StubResponse {
	return StubResponse{
		Matcher: RequestMatcher{OperationName: operationName},
		Data:    data,
	}
}

// Requests returns every GraphQL request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount counts received requests for operationName.
func (s *Server) RequestCount(operationName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.OperationName == operationName {
			n++
		}
	}
	return n
}

func (s *Server) match(req Request) (StubResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stub := range s.stubs {
		if stub.Matcher.OperationName != req.OperationName {
			continue
		}
		if stub.Matcher.Matcher != nil && !stub.Matcher.Matcher(req.Variables) {
			continue
		}
		return stub, true
	}
	return StubResponse{}, false
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.APIKey = r.Header.Get("X-Openline-API-KEY")
	req.Authorization = r.Header.Get("Authorization")

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	stub, ok := s.match(req)
	if !ok {
		writeJSON(w, map[string]any{
			"errors": []map[string]string{{"message": fmt.Sprintf("no stub for operation %q", req.OperationName)}},
		})
		return
	}

	for _, f := range stub.Failures {
		switch f.Type {
		case FailureDelay:
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				return
			}
		case FailureHTTPStatus:
			http.Error(w, http.StatusText(f.StatusCode), f.StatusCode)
			return
		case FailureInvalidJSON:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{not json"))
			return
		}
	}

	res := map[string]any{}
	if stub.Data != nil {
		res["data"] = stub.Data
	}
	if len(stub.Errors) > 0 {
		errs := make([]map[string]string, 0, len(stub.Errors))
		for _, msg := range stub.Errors {
			errs = append(errs, map[string]string{"message": msg})
		}
		res["errors"] = errs
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// RejectJoin makes joins of topic fail with reason.
func (s *Server) RejectJoin(topic, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectJoins[topic] = reason
}

// DelayJoins holds every join reply back for d.
func (s *Server) DelayJoins(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinDelay = d
}

// JoinAttempts returns how many join frames arrived for topic, rejected ones included.
func (s *Server) JoinAttempts(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinAttempts[topic]
}

// Joins returns how many times topic was joined successfully.
func (s *Server) Joins(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[topic]
}

// Tokens returns the token query parameter of every socket connection.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// WaitJoins blocks until topic has been joined at least n times.
func (s *Server) WaitJoins(topic string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		joined := s.joins[topic] >= n
		signal := s.joinedSignal
		s.mu.Unlock()
		if joined {
			return true
		}
		select {
		case <-signal:
		case <-deadline:
			return false
		}
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, topics: make(map[string]bool)}

	s.mu.Lock()
	s.clients[c] = true
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *client, f frame) {
	reply := frame{Topic: f.Topic, Event: "phx_reply", Ref: f.Ref}

	switch f.Event {
	case "phx_join":
		s.mu.Lock()
		s.joinAttempts[f.Topic]++
		delay := s.joinDelay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		s.mu.Lock()
		reason, rejected := s.rejectJoins[f.Topic]
		if !rejected {
			c.topics[f.Topic] = true
			s.joins[f.Topic]++
			close(s.joinedSignal)
			s.joinedSignal = make(chan struct{})
		}
		s.mu.Unlock()

		if rejected {
			reply.Payload = mustJSON(map[string]any{"status": "error", "response": map[string]string{"reason": reason}})
		} else {
			reply.Payload = mustJSON(map[string]any{"status": "ok", "response": map[string]any{}})
		}
	case "phx_leave":
		s.mu.Lock()
		delete(c.topics, f.Topic)
		s.mu.Unlock()
		reply.Payload = mustJSON(map[string]any{"status": "ok", "response": map[string]any{}})
	case "heartbeat":
		reply.Payload = mustJSON(map[string]any{"status": "ok", "response": map[string]any{}})
	default:
		return
	}
	_ = c.send(reply)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// subscribers returns the clients that joined topic.
func (s *Server) subscribers(topic string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*client
	for c := range s.clients {
		if c.topics[topic] {
			out = append(out, c)
		}
	}
	return out
}

// Push sends a sync_packet with ev to every client joined to topic and
// returns how many clients received it.
func (s *Server) Push(topic string, ev transport.Event) int {
	return s.broadcast(topic, frame{Topic: topic, Event: "sync_packet", Payload: mustJSON(ev)})
}

// PushGroup sends a sync_group_packet with evs to every client joined to topic.
func (s *Server) PushGroup(topic string, evs ...transport.Event) int {
	payload := mustJSON(map[string]any{"events": evs})
	return s.broadcast(topic, frame{Topic: topic, Event: "sync_group_packet", Payload: payload})
}

func (s *Server) broadcast(topic string, f frame) int {
	n := 0
	for _, c := range s.subscribers(topic) {
		if err := c.send(f); err == nil {
			n++
		}
	}
	return n
}

// DropConnections closes every socket connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Close drops every connection and shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}
