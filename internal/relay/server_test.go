package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "joinbot/pkg/logx"
)

func doPost(t *testing.T, h http.Handler, body string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	res := rec.Result()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func TestServerPostOutcomes(t *testing.T) {
	r, rec := newTestRelay(t, Config{}, true)
	h := NewServer(ServerConfig{}, r, logx.Nop()).Handler()

	res, body := doPost(t, h, validBody)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Success!", body)
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))

	bad := strings.Replace(validBody, "abc123", "zzz", 1)
	res, body = doPost(t, h, bad)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "Failed!", body)
	assert.Equal(t, 1, rec.count(), "rejected request must not reach the notifier")
}

func TestServerNotReady(t *testing.T) {
	r, _ := newTestRelay(t, Config{}, false)
	h := NewServer(ServerConfig{}, r, logx.Nop()).Handler()
	res, _ := doPost(t, h, validBody)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestServerThrottled(t *testing.T) {
	r, _ := newTestRelay(t, Config{RatePerToken: 0.001, Burst: 1}, true)
	h := NewServer(ServerConfig{}, r, logx.Nop()).Handler()
	doPost(t, h, validBody)
	res, _ := doPost(t, h, validBody)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestServerBodyLimit(t *testing.T) {
	r, rec := newTestRelay(t, Config{}, true)
	h := NewServer(ServerConfig{MaxBodyBytes: 16}, r, logx.Nop()).Handler()
	res, body := doPost(t, h, validBody)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "Failed!", body)
	assert.Zero(t, rec.count())
}

func TestServerTestGet(t *testing.T) {
	r, _ := newTestRelay(t, Config{}, true)

	on := NewServer(ServerConfig{TestGet: true}, r, logx.Nop()).Handler()
	rec := httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello!", rec.Body.String())

	off := NewServer(ServerConfig{}, r, logx.Nop()).Handler()
	rec = httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	r, _ := newTestRelay(t, Config{}, true)
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, r, logx.Nop())
	require.NoError(t, s.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background()) }()

	res, err := http.Post("http://"+s.Addr()+"/", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	b, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, "Success!", string(b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
