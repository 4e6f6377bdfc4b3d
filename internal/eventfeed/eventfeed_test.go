package eventfeed

import (
	"testing"

	"github.com/ternarybob/arbor"
)

func TestNew_StartsWithNoClients(t *testing.T) {
	f := New("127.0.0.1:0", arbor.NewLogger())
	if len(f.clients) != 0 {
		t.Errorf("expected no clients on construction, got %d", len(f.clients))
	}
}

func TestPublish_NoClients_DoesNotPanic(t *testing.T) {
	f := New("127.0.0.1:0", arbor.NewLogger())
	f.Publish(JobEvent{Type: "issued", JobID: "job-1"})
}

func TestShutdown_WithoutStart_IsNoop(t *testing.T) {
	f := New("127.0.0.1:0", arbor.NewLogger())
	if err := f.Shutdown(); err != nil {
		t.Fatalf("expected Shutdown without Start to be a no-op, got %v", err)
	}
}
