// Package credential derives rotating ticket-validation codes. A code is
// the hex SHA-256 of "<ticketID>:<secret>:<window>", where window is the
// Unix time in milliseconds divided by the window length. The same inputs
// within one window always produce the same code, so a scanner can verify
// offline.
package credential

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultWindow is the length of one code window.
const DefaultWindow = 5 * time.Second

// Generator computes codes for a fixed window length.
type Generator struct {
	window time.Duration
}

// NewGenerator returns a Generator. window must be at least one
// millisecond.
func NewGenerator(window time.Duration) (*Generator, error) {
	if window < time.Millisecond {
		return nil, fmt.Errorf("credential: window must be at least 1ms, got %v", window)
	}
	return &Generator{window: window}, nil
}

var defaultGenerator = &Generator{window: DefaultWindow}

// Code returns the code for ticketID and secret at now, with the default
// five-second window.
func Code(ticketID, secret string, now time.Time) string {
	return defaultGenerator.Code(ticketID, secret, now)
}

// Window returns the default-window index containing now.
func Window(now time.Time) int64 {
	return defaultGenerator.Window(now)
}

// TimeLeft returns the whole seconds remaining in now's default window,
// rounded up.
func TimeLeft(now time.Time) int {
	return defaultGenerator.TimeLeft(now)
}

// Verify reports whether code matches ticketID and secret within skew
// default windows of now.
func Verify(code, ticketID, secret string, now time.Time, skew int) bool {
	return defaultGenerator.Verify(code, ticketID, secret, now, skew)
}

// Length returns the generator's window length.
func (g *Generator) Length() time.Duration {
	return g.window
}

// Window returns the index of the window containing now.
func (g *Generator) Window(now time.Time) int64 {
	ms := now.UnixMilli()
	w := g.window.Milliseconds()
	idx := ms / w
	if ms%w < 0 {
		idx--
	}
	return idx
}

// Code returns the code for ticketID and secret at now.
func (g *Generator) Code(ticketID, secret string, now time.Time) string {
	return codeFor(ticketID, secret, g.Window(now))
}

// TimeLeft returns the whole seconds remaining in now's window, rounded
// up. It is never less than one.
func (g *Generator) TimeLeft(now time.Time) int {
	left := g.nextBoundary(now).Sub(now)
	secs := int((left + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Verify reports whether code was generated for ticketID and secret in
// now's window or up to skew windows either side. Comparison is constant
// time.
func (g *Generator) Verify(code, ticketID, secret string, now time.Time, skew int) bool {
	if skew < 0 {
		skew = 0
	}
	cur := g.Window(now)
	ok := 0
	for d := -int64(skew); d <= int64(skew); d++ {
		want := codeFor(ticketID, secret, cur+d)
		ok |= subtle.ConstantTimeCompare([]byte(code), []byte(want))
	}
	return ok == 1
}

// Tick is one code emitted by Watch.
type Tick struct {
	Code     string
	Window   int64
	TimeLeft int
}

// Watch emits the current code immediately and again at each window
// boundary until ctx is done. The channel is closed on return.
func (g *Generator) Watch(ctx context.Context, ticketID, secret string, now func() time.Time) <-chan Tick {
	if now == nil {
		now = time.Now
	}
	ch := make(chan Tick, 1)
	go func() {
		defer close(ch)
		for {
			t := now()
			tick := Tick{
				Code:     g.Code(ticketID, secret, t),
				Window:   g.Window(t),
				TimeLeft: g.TimeLeft(t),
			}
			select {
			case ch <- tick:
			case <-ctx.Done():
				return
			}
			timer := time.NewTimer(g.nextBoundary(t).Sub(t))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return ch
}

func (g *Generator) nextBoundary(now time.Time) time.Time {
	return time.UnixMilli((g.Window(now) + 1) * g.window.Milliseconds())
}

func codeFor(ticketID, secret string, window int64) string {
	sum := sha256.Sum256([]byte(ticketID + ":" + secret + ":" + strconv.FormatInt(window, 10)))
	return hex.EncodeToString(sum[:])
}
