package transcript

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Sink receives ordered text operations for one session. Offsets are rune
// positions relative to the session's injected text. The coordinator never
// issues overlapping calls; implementations may assume strict call order.
type Sink interface {
	Insert(text string) error
	Replace(start, end int, text string) error
}

// BusSink publishes text operations for the OS-level injector to apply.
type BusSink struct {
	bus       *bus.Client
	sessionID string
}

func NewBusSink(busClient *bus.Client, sessionID string) *BusSink {
	return &BusSink{bus: busClient, sessionID: sessionID}
}

func (s *BusSink) Insert(text string) error {
	return s.publish(protocol.TextOp{
		SessionID: s.sessionID,
		Op:        protocol.TextOpInsert,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *BusSink) Replace(start, end int, text string) error {
	return s.publish(protocol.TextOp{
		SessionID: s.sessionID,
		Op:        protocol.TextOpReplace,
		Start:     start,
		End:       end,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *BusSink) publish(op protocol.TextOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal text op: %w", err)
	}
	return s.bus.Conn().Publish(protocol.SubjectTextOp, data)
}

// MemorySink applies operations to an in-memory buffer. It doubles as the
// reference implementation of the injector contract and as a test double.
type MemorySink struct {
	mu   sync.Mutex
	text []rune
	ops  []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Insert(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = append(s.text, []rune(text)...)
	s.ops = append(s.ops, fmt.Sprintf("insert(%q)", text))
	return nil
}

func (s *MemorySink) Replace(start, end int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < 0 || end > len(s.text) || start > end {
		return fmt.Errorf("replace range [%d,%d) out of bounds for %d runes", start, end, len(s.text))
	}
	updated := make([]rune, 0, len(s.text)-(end-start)+len(text))
	updated = append(updated, s.text[:start]...)
	updated = append(updated, []rune(text)...)
	updated = append(updated, s.text[end:]...)
	s.text = updated
	s.ops = append(s.ops, fmt.Sprintf("replace(%d,%d,%q)", start, end, text))
	return nil
}

// Text returns the current injected text.
func (s *MemorySink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.text)
}

// Ops returns the recorded operation trace.
func (s *MemorySink) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}
