package connector

import (
	"sync"

	"github.com/hupe1980/agentrelay/logging"
)

// Group owns the connections opened by one frame. Close closes each member
// exactly once; close failures are logged and swallowed.
type Group struct {
	mu     sync.Mutex
	conns  []*onceConn
	logger logging.Logger
}

type onceConn struct {
	Connection
	once sync.Once
}

func (c *onceConn) close(logger logging.Logger) {
	c.once.Do(func() {
		if err := c.Connection.Close(); err != nil {
			logger.Warn("connector.close.failed", "server", c.Server(), "error", err.Error())
			return
		}
		logger.Debug("connector.closed", "server", c.Server())
	})
}

// NewGroup creates an empty group.
func NewGroup(logger logging.Logger) *Group {
	return &Group{logger: logging.OrNoOp(logger)}
}

// Add registers conn for cleanup.
func (g *Group) Add(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns = append(g.conns, &onceConn{Connection: conn})
}

// Len returns the number of registered connections.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close closes all connections in reverse order of registration. Calling
// Close more than once is a no-op for already closed members.
func (g *Group) Close() {
	g.mu.Lock()
	conns := append([]*onceConn(nil), g.conns...)
	g.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		func(c *onceConn) {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("connector.close.panic", "server", c.Server(), "recover", r)
				}
			}()
			c.close(g.logger)
		}(conns[i])
	}
}
