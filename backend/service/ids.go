package service

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// stamper hands out event ids and ingest timestamps. Both are strictly
// ordered by call order: ids are monotonic ULIDs and timestamps never go
// backwards even if the wall clock does.
type stamper struct {
	mx      sync.Mutex
	now     func() time.Time
	last    time.Time
	entropy *ulid.MonotonicEntropy
}

func newStamper(now func() time.Time) *stamper {
	if now == nil {
		now = time.Now
	}
	return &stamper{
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *stamper) next() (string, time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()

	ts := s.now().UTC().Truncate(time.Millisecond)
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	return ulid.MustNew(ulid.Timestamp(ts), s.entropy).String(), ts
}
