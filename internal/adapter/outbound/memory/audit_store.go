package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/privarion/privarion/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore implements audit.Store writing JSON lines to a writer (stdout
// by default) while keeping a bounded in-memory ring buffer for recent
// record queries.
type AuditStore struct {
	encoder *json.Encoder
	mu      sync.Mutex
	recent  []audit.Record
	cap     int
}

// NewAuditStore creates an audit store writing to stdout. An optional
// capacity parameter sets the ring buffer size (default 1000).
func NewAuditStore(capacity ...int) *AuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter creates an audit store writing to the given
// writer. An optional capacity parameter sets the ring buffer size.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *AuditStore {
	c := defaultRecentCap
	if len(capacity) > 0 && capacity[0] > 0 {
		c = capacity[0]
	}
	return &AuditStore{
		encoder: json.NewEncoder(w),
		recent:  make([]audit.Record, 0, c),
		cap:     c,
	}
}

// Append writes records as JSON lines and retains them in the ring buffer.
func (s *AuditStore) Append(ctx context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.encoder.Encode(r); err != nil {
			return err
		}
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = r
		} else {
			s.recent = append(s.recent, r)
		}
	}
	return nil
}

// Recent returns up to n of the most recent records, newest last.
func (s *AuditStore) Recent(n int) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]audit.Record, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out
}

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
