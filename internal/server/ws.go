package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"geister/internal/telos"
)

const logStreamPoll = time.Second

// handleLogStream pushes execution log entries over a websocket. On
// connect the client receives the current backlog newest first, then new
// entries as the executor produces them.
func (s *Server) handleLogStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("gateway: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reads are discarded, but the pump notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	backlog := s.executor.RecentLog(0)
	if err := conn.WriteJSON(gin.H{"type": "backlog", "entries": backlog}); err != nil {
		return
	}
	var last *telos.ExecutionLogEntry
	if len(backlog) > 0 {
		head := backlog[0]
		last = &head
	}

	ticker := time.NewTicker(logStreamPoll)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			fresh := newEntriesSince(s.executor.RecentLog(0), last)
			for i := len(fresh) - 1; i >= 0; i-- {
				if err := conn.WriteJSON(gin.H{"type": "entry", "entry": fresh[i]}); err != nil {
					return
				}
			}
			if len(fresh) > 0 {
				head := fresh[0]
				last = &head
			}
		}
	}
}

// newEntriesSince returns the newest-first prefix of entries added after
// last. Entries carry no identity column, so the (timestamp, agent, step)
// triple of the previously seen head marks the cut point.
func newEntriesSince(entries []telos.ExecutionLogEntry, last *telos.ExecutionLogEntry) []telos.ExecutionLogEntry {
	if last == nil {
		return entries
	}
	for i, e := range entries {
		if e.Timestamp.Equal(last.Timestamp) && e.AgentID == last.AgentID && e.Step == last.Step {
			return entries[:i]
		}
	}
	return entries
}
