package uds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath keeps the path under the 104-byte sun_path limit on macOS.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "c-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(s.SocketPath())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFrame_RoundTripAndLimits(t *testing.T) {
	var buf bytes.Buffer
	body := strings.Repeat("x", 512*1024)
	req, err := newRequest("echo", map[string]string{"body": body})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, ProtocolVersion, got.Version)
	assert.Len(t, got.Params, len(body)+len(`{"body":""}`))

	oversized := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorContains(t, ReadFrame(oversized, &got), "exceeds")

	truncated := bytes.NewReader([]byte{0, 0, 0, 10, '{'})
	assert.Error(t, ReadFrame(truncated, &got))
}

func TestServer_DispatchesCommands(t *testing.T) {
	sock := shortSockPath(t, "s.sock")
	s := NewServer(sock, nil)
	s.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct{ Name string }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, Errorf(CodeInvalidParams, "bad params: %v", err)
		}
		return map[string]string{"hello": in.Name}, nil
	})
	s.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	startServer(t, s)

	c := NewClient(sock)
	c.SetTimeout(2 * time.Second)
	ctx := context.Background()

	var out map[string]string
	require.NoError(t, c.Call(ctx, "echo", map[string]string{"name": "qa"}, &out))
	assert.Equal(t, "qa", out["hello"])

	var rpcErr *Error
	err := c.Call(ctx, "echo", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	err = c.Call(ctx, "fail", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternal, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "disk on fire")

	err = c.Call(ctx, "nope", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeUnknownCommand, rpcErr.Code)
}

func TestServer_RejectsProtocolMismatch(t *testing.T) {
	sock := shortSockPath(t, "p.sock")
	startServer(t, NewServer(sock, nil))

	resp, err := NewClient(sock).Send(context.Background(), &Request{Version: 99, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeProtocolMismatch, resp.Error.Code)
}

func TestServer_SurvivesPanickingHandler(t *testing.T) {
	sock := shortSockPath(t, "x.sock")
	s := NewServer(sock, nil)
	s.Handle("boom", func(context.Context, json.RawMessage) (any, error) { panic("boom") })
	s.Handle("ping", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	startServer(t, s)

	c := NewClient(sock)
	c.SetTimeout(2 * time.Second)
	assert.Error(t, c.Call(context.Background(), "boom", nil, nil))
	assert.NoError(t, c.Call(context.Background(), "ping", nil, nil))
}

func TestServer_HandlerSeesConnDeadline(t *testing.T) {
	sock := shortSockPath(t, "d.sock")
	s := NewServer(sock, nil)
	s.SetConnTimeout(50 * time.Millisecond)
	s.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startServer(t, s)

	start := time.Now()
	err := NewClient(sock).Call(context.Background(), "slow", nil, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServer_RemovesSocketOnShutdown(t *testing.T) {
	sock := shortSockPath(t, "r.sock")
	require.NoError(t, os.WriteFile(sock, []byte("stale"), 0600))

	s := NewServer(sock, nil)
	s.Handle("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return NewClient(sock).Call(context.Background(), "ping", nil, nil) == nil
	}, 2*time.Second, 10*time.Millisecond)

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cancel()
	require.NoError(t, <-done)
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_NoDaemon(t *testing.T) {
	err := NewClient(shortSockPath(t, "none.sock")).Call(context.Background(), "ping", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conductor run")
}
