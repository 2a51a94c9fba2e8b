package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReady(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	c := NewClient(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, WaitReady(context.Background(), c, 5*time.Second))

	mr.Close()
	err = WaitReady(context.Background(), c, 300*time.Millisecond)
	assert.Error(t, err)
}
