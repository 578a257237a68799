// Package utils holds test support shared by several packages.
package utils

import (
	"bytes"
	"runtime"
	"testing"
	"time"
)

// ModulePath marks goroutines started by this module's code.
const ModulePath = "github.com/popwandee/lprserver-v3-sub001/"

// GoroutineLeakDetector fails a test when goroutines started by code under
// a package path outlive it. Goroutines from the test runner, net/http and
// other libraries are not counted.
type GoroutineLeakDetector struct {
	t              testing.TB
	match          []byte
	initial        int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	attempts       int
}

// NewGoroutineLeakDetector watches goroutines running code from ModulePath.
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		match:          []byte(ModulePath),
		checkInterval:  50 * time.Millisecond,
		stabilizeDelay: 100 * time.Millisecond,
		attempts:       20,
	}
}

// Match restricts counting to goroutines whose stack contains substr.
func (d *GoroutineLeakDetector) Match(substr string) *GoroutineLeakDetector {
	d.match = []byte(substr)
	return d
}

// SetAllowedGrowth sets the number of goroutines allowed to remain.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the pause before the first count.
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// Start records the baseline.
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initial, _ = d.count()
}

// Check polls until the count is back within the allowed growth, and
// reports the matching stacks if it never is.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	time.Sleep(d.stabilizeDelay)

	var (
		n      int
		stacks [][]byte
	)
	for i := 0; i < d.attempts; i++ {
		n, stacks = d.count()
		if n-d.initial <= d.allowedGrowth {
			return
		}
		time.Sleep(d.checkInterval)
	}
	d.t.Errorf("goroutine leak: %d matching goroutines at start, %d now (allowed growth %d)",
		d.initial, n, d.allowedGrowth)
	for _, s := range stacks {
		d.t.Logf("%s", s)
	}
}

// count returns the goroutines whose stack matches, excluding the caller.
func (d *GoroutineLeakDetector) count() (int, [][]byte) {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	var matched [][]byte
	for i, g := range bytes.Split(buf, []byte("\n\n")) {
		if i == 0 {
			// the calling goroutine
			continue
		}
		if bytes.Contains(g, d.match) && !bytes.Contains(g, []byte("testing.tRunner")) {
			matched = append(matched, g)
		}
	}
	return len(matched), matched
}
