package intent

import (
	"math/rand"
	"sync"
	"time"
)

// Typewriter default per-character delay bounds.
const (
	defaultTypeMin = 10 * time.Millisecond
	defaultTypeMax = 50 * time.Millisecond
)

// Typewriter reveals text one character at a time with a randomized delay
// between characters. Start blocks until the pending content is drained or
// Stop is called from another goroutine; the emit callback receives the full
// accumulated text after every character.
type Typewriter struct {
	Min time.Duration
	Max time.Duration

	emit func(string)

	mu      sync.Mutex
	stopped bool
	typing  bool
	pending []rune
	out     []rune
}

func NewTypewriter(emit func(string)) *Typewriter {
	return &Typewriter{Min: defaultTypeMin, Max: defaultTypeMax, emit: emit}
}

func (tw *Typewriter) randomDelay() time.Duration {
	if tw.Max <= tw.Min {
		return tw.Min
	}
	return tw.Min + time.Duration(rand.Int63n(int64(tw.Max-tw.Min+1)))
}

// Start resets any previous run and types the whole content.
func (tw *Typewriter) Start(content string) {
	tw.Stop()
	tw.mu.Lock()
	tw.stopped = false
	tw.out = nil
	tw.pending = []rune(content)
	tw.mu.Unlock()
	tw.run()
}

// Append queues more content, used when the text itself arrives as a
// stream. If a Start run already finished this types the new tail.
func (tw *Typewriter) Append(content string) {
	tw.mu.Lock()
	tw.stopped = false
	tw.pending = append(tw.pending, []rune(content)...)
	alreadyTyping := tw.typing
	tw.mu.Unlock()
	if !alreadyTyping {
		tw.run()
	}
}

func (tw *Typewriter) run() {
	tw.mu.Lock()
	if tw.typing {
		tw.mu.Unlock()
		return
	}
	tw.typing = true
	tw.mu.Unlock()

	for {
		tw.mu.Lock()
		if tw.stopped || len(tw.pending) == 0 {
			tw.typing = false
			tw.mu.Unlock()
			return
		}
		tw.out = append(tw.out, tw.pending[0])
		tw.pending = tw.pending[1:]
		text := string(tw.out)
		tw.mu.Unlock()

		tw.emit(text)
		time.Sleep(tw.randomDelay())
	}
}

// Stop aborts the run and drops pending content. Safe to call from a
// cleanup hook while Start is blocked.
func (tw *Typewriter) Stop() {
	tw.mu.Lock()
	tw.stopped = true
	tw.pending = nil
	tw.mu.Unlock()
}

// Complete flushes the remaining content in one step, skipping the
// animation.
func (tw *Typewriter) Complete() {
	tw.mu.Lock()
	tw.out = append(tw.out, tw.pending...)
	tw.pending = nil
	text := string(tw.out)
	tw.mu.Unlock()
	tw.emit(text)
}

// Text returns the revealed content so far.
func (tw *Typewriter) Text() string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return string(tw.out)
}
