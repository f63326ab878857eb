package rpc_test

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/kbirk/duplex/pkg/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// returnsWithin fails the test when fn is still running after waitFor
func returnsWithin(t *testing.T, what string, fn func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		require.FailNow(t, what+" blocked behind a pending dial")
	}
}

// lockedBuffer collects log output written from several goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUnencodableParamKeepsConnection(t *testing.T) {

	network := newMemNetwork()
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: network,
		Handlers:  demoHandlers(),
		Codec:     rpc.JSONCodec{},
	})
	require.NoError(t, server.Start())
	defer server.Shutdown(context.Background())

	errs := make(chan error, 8)
	rec := newRecorder()
	client := connectClient(t, network, rpc.ClientConfig{
		Codec: rpc.JSONCodec{},
		ErrHandler: func(err error) {
			errs <- err
		},
	}, rec)

	_, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", math.NaN()))
	assert.ErrorIs(t, err, rpc.ErrEncode)
	assert.NotErrorIs(t, err, rpc.ErrConnectionLost)

	_, err = client.Call(rpc.NewRequest("echo").AddParam("x", math.Inf(1)), nil)
	assert.ErrorIs(t, err, rpc.ErrEncode)

	assert.True(t, client.IsUp())

	v, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", "fine"))
	require.NoError(t, err)
	assert.Equal(t, "fine", v)

	assert.Len(t, rec.dropped, 0)
	assert.Len(t, errs, 0)
	assert.Len(t, network.dialTimes(), 1)
}

func TestOversizedParamKeepsConnection(t *testing.T) {

	network := newMemNetwork()
	network.frameSize = 1024
	startServer(t, network, demoHandlers())

	rec := newRecorder()
	client := connectClient(t, network, rpc.ClientConfig{}, rec)

	_, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", strings.Repeat("x", 2048)))
	assert.ErrorIs(t, err, rpc.ErrMessageTooLarge)
	assert.True(t, client.IsUp())

	v, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", "small"))
	require.NoError(t, err)
	assert.Equal(t, "small", v)

	assert.Len(t, rec.dropped, 0)
	assert.Len(t, network.dialTimes(), 1)
}

func TestHungDialDoesNotBlockClient(t *testing.T) {

	errs := make(chan error, 8)
	network := newMemNetwork()
	startServer(t, network, demoHandlers())

	rec := newRecorder()
	client := connectClient(t, network, rpc.ClientConfig{
		RetryInterval: 20 * time.Millisecond,
		DialTimeout:   time.Hour,
		ErrHandler: func(err error) {
			errs <- err
		},
	}, rec)

	network.setHang(true)
	network.sever()

	select {
	case <-rec.dropped:
	case <-time.After(waitFor):
		require.FailNow(t, "drop never reported")
	}

	// the reconnection loop is now parked inside Dial
	require.Eventually(t, func() bool {
		return len(network.dialTimes()) == 2
	}, waitFor, tick)

	returnsWithin(t, "IsUp", func() {
		assert.False(t, client.IsUp())
	})
	returnsWithin(t, "Address", func() {
		assert.Equal(t, "mem", client.Address())
	})
	returnsWithin(t, "CallBlocking", func() {
		_, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", 1))
		assert.ErrorIs(t, err, rpc.ErrNoConnection)
	})
	returnsWithin(t, "Call", func() {
		_, err := client.Call(rpc.NewRequest("echo").AddParam("x", 1), nil)
		assert.ErrorIs(t, err, rpc.ErrNoConnection)
	})
	returnsWithin(t, "CancelRetry", client.CancelRetry)

	// cancelling the retry also abandons the dial in flight
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, rpc.ErrConnectionLost)
	case <-time.After(waitFor):
		require.FailNow(t, "cancellation never reported")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, network.dialTimes(), 2)
	assert.False(t, client.IsUp())
	assert.Len(t, rec.reconnected, 0)

	returnsWithin(t, "EndConnection", func() {
		assert.NoError(t, client.EndConnection())
	})
}

func TestDialTimeoutKeepsRetrying(t *testing.T) {

	network := newMemNetwork()
	startServer(t, network, demoHandlers())

	rec := newRecorder()
	client := connectClient(t, network, rpc.ClientConfig{
		RetryInterval: 10 * time.Millisecond,
		DialTimeout:   50 * time.Millisecond,
	}, rec)

	network.setHang(true)
	network.sever()
	<-rec.dropped

	// every hung attempt gives up on its own and the loop moves on
	require.Eventually(t, func() bool {
		return len(network.dialTimes()) >= 4
	}, waitFor, tick)

	network.setHang(false)

	select {
	case <-rec.reconnected:
	case <-time.After(waitFor):
		require.FailNow(t, "reconnection never reported")
	}

	v, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", "back"))
	require.NoError(t, err)
	assert.Equal(t, "back", v)
}

func TestConnectGivesUpAfterDialTimeout(t *testing.T) {

	network := newMemNetwork()
	startServer(t, network, demoHandlers())
	network.setHang(true)

	client := rpc.NewClient(rpc.ClientConfig{
		Transport:   network,
		DialTimeout: 50 * time.Millisecond,
	})

	err := client.Connect("mem", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, client.IsUp())

	network.setHang(false)
	require.NoError(t, client.Connect("mem", false))
	defer client.EndConnection()
	assert.True(t, client.IsUp())
}

func TestKeepAliveWriteFailureReconnectsOnce(t *testing.T) {

	network := newMemNetwork()
	startServer(t, network, demoHandlers())

	rec := newRecorder()
	client := rpc.NewClient(rpc.ClientConfig{
		Transport:         network,
		KeepAliveInterval: 20 * time.Millisecond,
		RetryInterval:     20 * time.Millisecond,
	})
	client.RegisterListener(rec)
	require.NoError(t, client.Connect("mem", true))
	defer client.EndConnection()

	// reads still work, only the keep-alive write can notice
	network.breakWrites()

	select {
	case ev := <-rec.dropped:
		assert.Equal(t, "mem", ev.Address)
	case <-time.After(waitFor):
		require.FailNow(t, "drop never reported")
	}
	select {
	case <-rec.reconnected:
	case <-time.After(waitFor):
		require.FailNow(t, "reconnection never reported")
	}

	// the reader of the old stream must not report the same outage again
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.dropped, 0)
	assert.Len(t, rec.reconnected, 0)
	assert.Len(t, network.dialTimes(), 2)

	v, err := client.CallBlocking(context.Background(), rpc.NewRequest("echo").AddParam("x", "alive"))
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
}

func TestEndConnectionLogsFailedTerminate(t *testing.T) {

	network := newMemNetwork()
	serverRec := newRecorder()
	startServer(t, network, demoHandlers(), serverRec)

	out := &lockedBuffer{}
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: network,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "client",
			Level:  hclog.Debug,
			Output: out,
		}),
	})
	require.NoError(t, client.Connect("mem", false))

	network.breakWrites()
	require.NoError(t, client.EndConnection())

	assert.Contains(t, out.String(), "unable to send terminate")
	assert.Contains(t, out.String(), "broken pipe")

	// the bare close still ends the server side
	select {
	case <-serverRec.dropped:
	case <-time.After(waitFor):
		require.FailNow(t, "server never saw the close")
	}
}
