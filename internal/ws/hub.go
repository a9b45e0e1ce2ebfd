package ws

import "time"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
	LastActivity() time.Time
}

// Hub manages stream subscriptions by project ID. Subscriptions idle past the
// configured timeout are torn down by a periodic sweep so the registry cannot
// grow without bound.
type Hub struct {
	clients     map[string]map[Subscriber]struct{}
	register    chan subscription
	unreg       chan subscription
	broadcast   chan message
	count       chan countRequest
	idleTimeout time.Duration
	sweepEvery  time.Duration
	stop        chan struct{}
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

type countRequest struct {
	projectID string
	reply     chan int
}

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultSweepEvery  = 30 * time.Second
)

// NewHub creates an initialized Hub with the given idle timeout. Zero
// durations fall back to the defaults.
func NewHub(idleTimeout, sweepEvery time.Duration) *Hub {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepEvery
	}
	h := &Hub{
		clients:     make(map[string]map[Subscriber]struct{}),
		register:    make(chan subscription),
		unreg:       make(chan subscription),
		broadcast:   make(chan message),
		count:       make(chan countRequest),
		idleTimeout: idleTimeout,
		sweepEvery:  sweepEvery,
		stop:        make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectID)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.projectID])
		case <-ticker.C:
			h.sweep(time.Now())
		case <-h.stop:
			for projectID, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, projectID)
			}
			return
		}
	}
}

// sweep closes and removes subscribers idle past the timeout.
func (h *Hub) sweep(now time.Time) {
	cutoff := now.Add(-h.idleTimeout)
	for projectID, clients := range h.clients {
		for c := range clients {
			if c.LastActivity().Before(cutoff) {
				c.Close()
				delete(clients, c)
			}
		}
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.register <- subscription{projectID: projectID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.unreg <- subscription{projectID: projectID, client: client}
}

// Broadcast sends payload to all project clients.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.broadcast <- message{projectID: projectID, payload: payload}
}

// Subscribers reports the number of live clients for a project.
func (h *Hub) Subscribers(projectID string) int {
	reply := make(chan int, 1)
	h.count <- countRequest{projectID: projectID, reply: reply}
	return <-reply
}

// Close tears down every subscription and stops the run loop.
func (h *Hub) Close() {
	close(h.stop)
}
