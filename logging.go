package iomanager

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
)

// log categories for rate limited failures
const (
	logCategoryWait     = "epoll_wait"
	logCategoryCtl      = "epoll_ctl"
	logCategoryWake     = "wake"
	logCategoryDispatch = "dispatch"
)

func defaultLogRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	}
}

// newLogLimiter builds a limiter, converting catrate's panic on invalid
// rates into an error. A nil limiter allows everything.
func newLogLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iomanager: invalid log rate limits: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// logFailure logs err at error level, subject to the category's rate limit.
func (m *IOManager) logFailure(category string, fd int, err error, msg string) {
	b := m.logger.Err()
	if !b.Enabled() {
		return
	}
	next, ok := m.limiter.Allow(category)
	if !ok {
		b.Release()
		return
	}
	b = b.Str("manager", m.name).
		Str("id", m.id.String()).
		Str("category", category).
		Int("fd", fd).
		Err(err)
	if !next.IsZero() {
		b = b.Time("suppressed_until", next)
	}
	b.Log(msg)
}

func (m *IOManager) logEvent(msg string, fd int, ev Event) {
	m.logger.Debug().
		Str("manager", m.name).
		Int("fd", fd).
		Stringer("event", ev).
		Log(msg)
}
