// Package audit keeps an append-only JSON-lines trail of control-plane
// actions: who dispatched what to which agents, and how it ended.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventAgentOnline       EventType = "agent_online"
	EventAgentOffline      EventType = "agent_offline"
	EventCommandDispatched EventType = "command_dispatched"
	EventExecutionStarted  EventType = "execution_started"
	EventBatchStarted      EventType = "batch_started"
	EventRollbackRequested EventType = "rollback_requested"
	EventTaskCreated       EventType = "task_created"
	EventTaskFired         EventType = "task_fired"
	EventTaskCancelled     EventType = "task_cancelled"
)

// Event is one audit record.
type Event struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Type    EventType      `json:"type"`
	AgentID string         `json:"agent_id,omitempty"`
	Subject string         `json:"subject,omitempty"` // execution/batch/task/snapshot id
	Details map[string]any `json:"details,omitempty"`
}

// Log is an append-only audit file. Writes are serialized; a nil *Log
// is a valid no-op sink so callers don't branch on whether auditing is
// configured.
type Log struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open appends to the audit file at path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return &Log{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends one event, assigning id and timestamp.
func (l *Log) Record(eventType EventType, agentID, subject string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Encode(Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Type:    eventType,
		AgentID: agentID,
		Subject: subject,
		Details: details,
	})
}

// Close releases the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read loads every event from an audit file, oldest first. Corrupt
// trailing lines (a crashed half-write) are skipped.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
