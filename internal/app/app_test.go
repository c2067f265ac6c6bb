package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "joinbot/internal/transport"
)

const homeChat = -100500

// botAPI is a minimal Telegram Bot API double.
type botAPI struct {
	mu   sync.Mutex
	sent []string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)
	w.Header().Set("Content-Type", "application/json")
	ok := func(result string) { _, _ = fmt.Fprintf(w, `{"ok":true,"result":%s}`, result) }

	switch path.Base(r.URL.Path) {
	case "getMe":
		ok(`{"id":7,"is_bot":true,"first_name":"joinbot","username":"joinbot"}`)
	case "getChat":
		ok(fmt.Sprintf(`{"id":%d,"type":"supergroup","title":"Home"}`, homeChat))
	case "getChatMember":
		ok(fmt.Sprintf(`{"status":"member","user":{"id":%v,"is_bot":false,"first_name":"Ann"}}`, params["user_id"]))
	case "getUpdates":
		select {
		case <-r.Context().Done():
		case <-time.After(50 * time.Millisecond):
		}
		ok(`[]`)
	case "sendMessage":
		b.mu.Lock()
		b.sent = append(b.sent, fmt.Sprint(params["text"]))
		b.mu.Unlock()
		ok(fmt.Sprintf(`{"message_id":1,"date":0,"chat":{"id":%d,"type":"supergroup"},"text":"ok"}`, homeChat))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func (b *botAPI) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	tokensPath := filepath.Join(dir, "tokens.txt")
	require.NoError(t, os.WriteFile(tokensPath, []byte("; server tokens\nsecret\n"), 0o600))

	cfg := map[string]any{
		"telegram": map[string]any{
			"token":        "123:abc",
			"chat_id":      homeChat,
			"api_url":      apiURL,
			"poll_timeout": "1s",
		},
		"server":  map[string]any{"addr": "127.0.0.1:0"},
		"relay":   map[string]any{"tokens_path": tokensPath},
		"events":  map[string]any{"tick": "1s"},
		"storage": map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "joinbot.db")},
		"logging": map[string]any{"level": "error"},
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(b)
}

func TestAppEndToEnd(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, writeConfig(t, srv.URL))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		assert.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	}()
	require.NoError(t, a.health())

	url := "http://" + a.RelayAddr() + "/"
	code, body := post(t, url, `{"token":"secret","hostname":"My Server","join_ip":"1.2.3.4:27015","num_players":"3","max_players":8,"player_name":"Ann"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Success!", body)

	code, body = post(t, url, `{"token":"wrong","hostname":"h","join_ip":"1.2.3.4:1","num_players":1,"max_players":2,"player_name":"p"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Failed!", body)

	require.Eventually(t, func() bool {
		for _, m := range api.messages() {
			if strings.Contains(m, "wants you to join!") && strings.Contains(m, "steam://connect/1.2.3.4:27015") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Commands arrive through the update channel.
	a.updates <- kit.Message{Chat: kit.ChatTarget{ChatID: homeChat}, FromID: 10, Text: "!events"}
	require.Eventually(t, func() bool {
		for _, m := range api.messages() {
			if m == "No events found! :(" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewFailsOnMissingTokens(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	p := writeConfig(t, srv.URL)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(p), "tokens.txt")))
	_, err := New(context.Background(), p)
	assert.Error(t, err)
}
