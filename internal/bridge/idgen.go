package bridge

import (
	"strconv"
	"sync"
	"time"
)

// messageIDGenerator issues unique, monotonically non-decreasing message ids
// from wall-clock seconds. A collision with the last-issued id bumps by one,
// so ids stay ordered even when several messages land in the same second.
type messageIDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newMessageIDGenerator() *messageIDGenerator {
	return &messageIDGenerator{now: time.Now}
}

func (g *messageIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().Unix()
	if id <= g.last {
		g.last++
	} else {
		g.last = id
	}
	return strconv.FormatInt(g.last, 10)
}
