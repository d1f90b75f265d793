package runner

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/logging"
)

func TestGroup_FirstFailureCancelsOthers(t *testing.T) {
	g, _ := New(context.Background(), logging.Discard())

	stopped := make(chan struct{})
	g.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	g.Go("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})

	err := g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("waiter was not cancelled")
	}
}

func TestGroup_ParentCancelIsClean(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	g, _ := New(parent, logging.Discard())

	g.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	assert.NoError(t, g.Wait())
}

func TestGroup_ServeShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		ReadHeaderTimeout: time.Second,
	}

	parent, cancel := context.WithCancel(context.Background())
	g, _ := New(parent, logging.Discard())
	g.Serve(srv, time.Second)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, g.Wait())
}
