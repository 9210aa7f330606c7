// Package sse pushes session status transitions to connected clients over
// Server-Sent Events, so pollers can switch to push.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single client write so one stale connection cannot
// stall a broadcast.
const WriteTimeout = 2 * time.Second

// Event is one status transition on a session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Client is one connected event stream. A client with a SessionID filter only
// receives events for that session.
type Client struct {
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	ID        string
	SessionID string
}

// Broadcaster fans session events out to connected clients.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a connection. sessionID limits delivery to one session;
// empty receives everything.
func (b *Broadcaster) AddClient(w http.ResponseWriter, sessionID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:        fmt.Sprintf("client-%d", b.nextID),
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
		SessionID: sessionID,
	}
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	count := len(b.clients)
	b.mu.Unlock()

	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client disconnected")
}

func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if exists {
		select {
		case <-client.Done:
		default:
			close(client.Done)
		}
	}
}

// Broadcast delivers an event to every matching client. Writes run
// concurrently with a timeout; clients that fail or stall are dropped.
func (b *Broadcaster) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.SessionID == "" || c.SessionID == ev.SessionID {
			clients = append(clients, c)
		}
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadCh := make(chan string, len(clients))
	var wg sync.WaitGroup
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				b.writeToClient(c, message, deadCh)
			}(client)
		}
	}
	wg.Wait()
	close(deadCh)

	for id := range deadCh {
		b.removeClientByID(id)
	}
}

func (b *Broadcaster) writeToClient(client *Client, message string, deadCh chan<- string) {
	// The write goroutine may outlive this call when the connection stalls;
	// it must not touch deadCh itself.
	done := make(chan error, 1)
	go func() {
		_, err := client.Writer.Write([]byte(message))
		if err == nil {
			client.Flusher.Flush()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			deadCh <- client.ID
		}
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", client.ID).Msg("SSE write timed out, dropping client")
		deadCh <- client.ID
	case <-client.Done:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE upgrades the request to an event stream. The optional session_id
// query parameter filters events to one session.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w, r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(Event{Type: "connected", ClientID: client.ID})
	fmt.Fprintf(w, "data: %s\n\n", hello)
	client.Flusher.Flush()

	<-r.Context().Done()
}
