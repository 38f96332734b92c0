package gateway

import "sync"

// Room name prefixes.
const (
	roomUser         = "user:"
	roomOrg          = "org:"
	roomConversation = "conversation:"
	roomPresence     = "presence:"
)

// hub tracks this node's connections and their room memberships.
type hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[*conn]struct{}
}

func newHub() *hub {
	return &hub{
		conns: make(map[string]*conn),
		rooms: make(map[string]map[*conn]struct{}),
	}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// remove drops c and all of its memberships.
func (h *hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for room := range c.rooms {
		h.leaveLocked(room, c)
	}
}

func (h *hub) join(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *hub) leave(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

func (h *hub) leaveLocked(room string, c *conn) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// members returns the union of local connections in rooms minus except.
func (h *hub) members(rooms []string, except string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*conn]struct{})
	var out []*conn
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c.id == except {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func (h *hub) all() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) inRoom(room string, c *conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}
