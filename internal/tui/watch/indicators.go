package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames each second so a frozen UI is visible.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const pulseWidth = 5

// Pulse lights up on each session event and fades over ten seconds.
type Pulse struct {
	lit       int
	lastEvent time.Time
}

func (p *Pulse) OnEvent(at time.Time) {
	p.lit = pulseWidth
	p.lastEvent = at
}

// Decay dims one dot for every two seconds of silence.
func (p *Pulse) Decay(now time.Time) {
	if p.lit == 0 {
		return
	}
	remaining := pulseWidth - int(now.Sub(p.lastEvent)/(2*time.Second))
	if remaining < 0 {
		remaining = 0
	}
	if remaining < p.lit {
		p.lit = remaining
	}
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.lit {
			b.WriteString(theme.PulseActive.Render("●"))
		} else {
			b.WriteString(theme.PulseInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
