package websocket

import (
	"context"
	"encoding/json"
	"time"
)

// StatusUpdate is what subscribers receive when an order transitions.
type StatusUpdate struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub fans accepted order transitions out to websocket subscribers, keyed by
// order id. It implements order.StatusListener.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusUpdate
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusUpdate),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.orderID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			if set, ok := h.clients[upd.OrderID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						delete(set, c)
						close(c.send)
					}
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// BroadcastOrderUpdate is called by the state machine after a transition
// commits. It never blocks the caller.
func (h *Hub) BroadcastOrderUpdate(orderID, status string) {
	upd := StatusUpdate{OrderID: orderID, Status: status, UpdatedAt: time.Now().UTC()}
	go func() { h.broadcast <- upd }()
}
