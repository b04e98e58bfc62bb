package security

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Env bundles the collaborators every store is constructed with.
// Zero fields are filled by WithDefaults.
type Env struct {
	Clock  Clock
	Rand   io.Reader
	Logger *logrus.Logger
}

// WithDefaults returns a copy of e with the system clock, crypto/rand and a
// default logrus logger in place of any nil field.
func (e Env) WithDefaults() Env {
	if e.Clock == nil {
		e.Clock = SystemClock
	}
	if e.Rand == nil {
		e.Rand = rand.Reader
	}
	if e.Logger == nil {
		e.Logger = logrus.New()
	}
	return e
}
