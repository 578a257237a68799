package utils

import (
	"testing"
	"time"
)

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t).Match("utils.TestGoroutineLeakDetector")
		detector.Start()

		done := make(chan struct{})
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(done)
		}()
		<-done

		detector.Check()
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		mockT := &testing.T{}
		detector := NewGoroutineLeakDetector(mockT).Match("utils.TestGoroutineLeakDetector")
		detector.attempts = 2
		detector.Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()

		if !mockT.Failed() {
			t.Error("expected leak detector to fail")
		}
	})
}
