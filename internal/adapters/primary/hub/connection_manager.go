package hub

import (
	"sync"
)

// ConnectionManager tracks accepted connections. It holds references only;
// connection goroutines own their lifecycle and remove themselves.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
	}
}

// Add registers a connection. It returns false once CloseAll has run.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return false
	}
	cm.connections[conn.ID] = conn
	return true
}

// Remove forgets a connection
func (cm *ConnectionManager) Remove(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, id)
}

// Live prunes dead connections and returns the open ones. Pruned sockets are
// closed so their read loops exit; nothing here waits for them.
func (cm *ConnectionManager) Live() []*Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	live := make([]*Connection, 0, len(cm.connections))
	for id, conn := range cm.connections {
		if conn.Dead() {
			delete(cm.connections, id)
			_ = conn.Close()
			continue
		}
		if conn.Open() {
			live = append(live, conn)
		}
	}
	return live
}

// Count returns the number of open connections not yet known dead
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	n := 0
	for _, conn := range cm.connections {
		if conn.Open() {
			n++
		}
	}
	return n
}

// CloseAll force-closes every tracked connection and refuses new ones
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closed = true
	for id, conn := range cm.connections {
		_ = conn.Close()
		delete(cm.connections, id)
	}
}
