package deploy

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// ProgressPhase groups engine log lines into deployment phases.
type ProgressPhase int

const (
	PhasePull ProgressPhase = iota
	PhaseBuild
	PhaseCreate
	PhaseStart
)

func (p ProgressPhase) String() string {
	switch p {
	case PhasePull:
		return "pull"
	case PhaseBuild:
		return "build"
	case PhaseCreate:
		return "create"
	case PhaseStart:
		return "start"
	default:
		return "unknown"
	}
}

var (
	pullDoneRe  = regexp.MustCompile(`(?i)(pull complete|\bpulled\b)`)
	createRe    = regexp.MustCompile(`(?i)container\s+\S+\s+created`)
	startRe     = regexp.MustCompile(`(?i)container\s+\S+\s+started`)
	buildStepRe = regexp.MustCompile(`(?i)step\s+(\d+)/(\d+)`)

	// Per-layer noise: high volume, zero information for a phase summary.
	noiseRe = regexp.MustCompile(`(?i)(downloading|extracting|waiting|pulling fs layer|verifying checksum|download complete)`)
)

// ProgressAggregator condenses raw build/pull/create/start engine output
// into throttled per-phase summaries. Safe for use from the stderr-tap
// goroutine plus the caller invoking Finalize.
type ProgressAggregator struct {
	interval time.Duration
	emit     func(string)

	mu       sync.Mutex
	counts   map[ProgressPhase]int
	totals   map[ProgressPhase]int
	lastEmit map[ProgressPhase]time.Time
	dirty    map[ProgressPhase]bool

	now func() time.Time
}

func NewProgressAggregator(interval time.Duration, emit func(string)) *ProgressAggregator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if emit == nil {
		emit = func(string) {}
	}
	return &ProgressAggregator{
		interval: interval,
		emit:     emit,
		counts:   make(map[ProgressPhase]int),
		totals:   make(map[ProgressPhase]int),
		lastEmit: make(map[ProgressPhase]time.Time),
		dirty:    make(map[ProgressPhase]bool),
		now:      time.Now,
	}
}

// SetTotal records the expected count for a phase so summaries read "3/6".
func (p *ProgressAggregator) SetTotal(phase ProgressPhase, total int) {
	p.mu.Lock()
	p.totals[phase] = total
	p.mu.Unlock()
}

// Ingest consumes one raw engine log line.
func (p *ProgressAggregator) Ingest(line string) {
	if noiseRe.MatchString(line) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m := buildStepRe.FindStringSubmatch(line); m != nil {
		var step, total int
		fmt.Sscanf(m[1], "%d", &step)
		fmt.Sscanf(m[2], "%d", &total)
		p.counts[PhaseBuild] = step
		p.totals[PhaseBuild] = total
		p.maybeEmit(PhaseBuild)
		return
	}

	switch {
	case startRe.MatchString(line):
		p.counts[PhaseStart]++
		p.maybeEmit(PhaseStart)
	case createRe.MatchString(line):
		p.counts[PhaseCreate]++
		p.maybeEmit(PhaseCreate)
	case pullDoneRe.MatchString(line):
		p.counts[PhasePull]++
		p.maybeEmit(PhasePull)
	}
}

// Finalize flushes a closing summary for every phase that saw progress,
// covering updates swallowed by the throttle window.
func (p *ProgressAggregator) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, phase := range []ProgressPhase{PhasePull, PhaseBuild, PhaseCreate, PhaseStart} {
		if p.dirty[phase] {
			p.emitLocked(phase)
		}
	}
}

// maybeEmit assumes p.mu is held.
func (p *ProgressAggregator) maybeEmit(phase ProgressPhase) {
	p.dirty[phase] = true
	if now := p.now(); now.Sub(p.lastEmit[phase]) >= p.interval {
		p.emitLocked(phase)
	}
}

// emitLocked assumes p.mu is held.
func (p *ProgressAggregator) emitLocked(phase ProgressPhase) {
	p.lastEmit[phase] = p.now()
	p.dirty[phase] = false
	p.emit(p.summary(phase))
}

func (p *ProgressAggregator) summary(phase ProgressPhase) string {
	count := p.counts[phase]
	total := p.totals[phase]

	var verb string
	switch phase {
	case PhasePull:
		verb = "Pulling images"
	case PhaseBuild:
		verb = "Building image"
	case PhaseCreate:
		verb = "Creating containers"
	case PhaseStart:
		verb = "Starting containers"
	}

	if total > 0 {
		return fmt.Sprintf("%s... %d/%d", verb, count, total)
	}
	return fmt.Sprintf("%s... %d", verb, count)
}
