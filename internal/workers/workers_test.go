package workers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
)

func TestManagerShutdown(t *testing.T) {
	manager := NewManager(log.Log)
	var done atomic.Int32

	for i := 0; i < 3; i++ {
		manager.StartWorker(func() {
			defer manager.OnWorkerDone("workers: testWorker")
			<-manager.ShouldShutdown()
			done.Add(1)
		})
	}

	manager.StartShutdown()
	manager.WaitWorkersShutdown()
	if done.Load() != 3 {
		t.Fatalf("expected 3 workers done, got %d", done.Load())
	}
}

func TestStartShutdownIsIdempotent(t *testing.T) {
	manager := NewManager(log.Log)
	manager.StartShutdown()
	manager.StartShutdown()

	select {
	case <-manager.ShouldShutdown():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed")
	}
}
