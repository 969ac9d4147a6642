package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIncomingWatcherNudges(t *testing.T) {
	a := newTestArea(t)
	w, err := NewIncomingWatcher(a)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, a.Submit("a.py", []byte("x")))

	select {
	case <-w.Nudges():
	case <-time.After(5 * time.Second):
		t.Fatal("no nudge after a submission")
	}
}
