package workflow

import (
	"context"

	"kiln/internal/queue"
)

// StatusSummary snapshots workflow state for the daemon status surface.
type StatusSummary struct {
	Running    bool
	QueueStats map[queue.Status]int
	LastError  string
	LastItem   *queue.Item
}

// Status collects the current processing state and queue statistics.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	summary := StatusSummary{
		Running:    m.Running(),
		QueueStats: map[queue.Status]int{},
		LastItem:   m.LastItem(),
	}
	if stats, err := m.store.Stats(ctx); err == nil {
		summary.QueueStats = stats
	}
	if err := m.LastError(); err != nil {
		summary.LastError = err.Error()
	}
	return summary
}
