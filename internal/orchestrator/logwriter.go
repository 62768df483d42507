package orchestrator

import (
	"log"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// logWriter persists execution logs from a single goroutine so agent
// execution never waits on the database.
type logWriter struct {
	ch   chan *domain.ExecutionLog
	done chan struct{}
}

func newLogWriter(s *store.Store) *logWriter {
	w := &logWriter{
		ch:   make(chan *domain.ExecutionLog, 64),
		done: make(chan struct{}),
	}
	go func() {
		for entry := range w.ch {
			if err := s.AppendExecutionLog(entry); err != nil {
				log.Printf("job %s: write execution log for agent %s: %v", entry.JobID, entry.AgentID, err)
			}
		}
		close(w.done)
	}()
	return w
}

// Append queues one log entry for writing.
func (w *logWriter) Append(entry *domain.ExecutionLog) {
	w.ch <- entry
}

// Close flushes the queue and waits until every entry is written.
func (w *logWriter) Close() {
	close(w.ch)
	<-w.done
}
