package server

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// activeConn tracks an open websocket connection.
type activeConn struct {
	ID     string
	Cancel context.CancelFunc // cancels in-flight calls on the connection
	close  func() error
}

// ConnManager tracks open websocket connections so they can be cancelled
// when the server shuts down.
type ConnManager struct {
	mu    sync.RWMutex
	conns map[string]*activeConn
}

// NewConnManager creates a new ConnManager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		conns: make(map[string]*activeConn),
	}
}

// Add registers a connection and returns its id.
func (cm *ConnManager) Add(cancel context.CancelFunc, closeFn func() error) string {
	ac := &activeConn{ID: uuid.NewString(), Cancel: cancel, close: closeFn}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[ac.ID] = ac
	return ac.ID
}

// Len returns the number of open connections.
func (cm *ConnManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// Remove forgets a connection and cancels any in-flight work.
func (cm *ConnManager) Remove(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if ac, ok := cm.conns[id]; ok {
		ac.Cancel()
		delete(cm.conns, id)
	}
}

// CloseAll cancels and closes all connections.
func (cm *ConnManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for id, ac := range cm.conns {
		ac.Cancel()
		if ac.close != nil {
			ac.close()
		}
		delete(cm.conns, id)
	}
}
