package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/store/sqlite"
	"github.com/Tyrowin/chatcanvas/internal/testutil"
)

const (
	testSecret    = "test-secret"
	testOriginURL = "http://localhost:8080"
	readTimeout   = 3 * time.Second
)

type testEnv struct {
	t      *testing.T
	store  *sqlite.Store
	hub    *Hub
	server *httptest.Server
	wsURL  string
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Auth.Secret = testSecret
	cfg.AllowedOrigins = []string{testOriginURL}
	return cfg
}

// newTestEnv starts a hub and an HTTP test server over a fresh store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig()
	log := zaptest.NewLogger(t)
	st := testutil.OpenStore(t)
	hub := NewHub(cfg, NewServices(cfg, st, log), log)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(5 * time.Second); err != nil {
			t.Errorf("hub shutdown: %v", err)
		}
	})

	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(srv.Close)

	return &testEnv{
		t:      t,
		store:  st,
		hub:    hub,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (e *testEnv) user(name string) presence.Identity {
	e.t.Helper()
	return testutil.CreateUser(e.t, e.store, name)
}

func (e *testEnv) token(id presence.Identity) string {
	e.t.Helper()
	return testutil.Token(e.t, testSecret, time.Hour, id)
}

// dialRaw attempts a WebSocket handshake. On refusal it returns the status
// code and the trimmed response body.
func (e *testEnv) dialRaw(header http.Header) (*websocket.Conn, int, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL, header)
	if resp == nil {
		return conn, 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return conn, resp.StatusCode, strings.TrimSpace(string(body)), err
}

// connect opens an authenticated connection for id and waits for the
// online snapshot every new connection receives.
func (e *testEnv) connect(id presence.Identity) *wsClient {
	e.t.Helper()

	header := http.Header{}
	header.Set("Origin", testOriginURL)
	header.Set("Authorization", "Bearer "+e.token(id))

	conn, status, body, err := e.dialRaw(header)
	if err != nil {
		e.t.Fatalf("connect %s: %v (status %d, body %q)", id.Name, err, status, body)
	}
	c := &wsClient{t: e.t, conn: conn, name: id.Name}
	e.t.Cleanup(c.close)
	c.expect(protocol.TypeOnlineUsers, nil)
	return c
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	name    string
	pending []protocol.Frame
}

func (c *wsClient) send(typ string, data any) {
	c.t.Helper()
	frame := map[string]any{"type": typ}
	if data != nil {
		frame["data"] = data
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

// read returns the next frame. The server may batch several frames into
// one WebSocket message, one per line.
func (c *wsClient) read() (protocol.Frame, error) {
	for len(c.pending) == 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return protocol.Frame{}, err
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f protocol.Frame
			if err := json.Unmarshal(line, &f); err != nil {
				return protocol.Frame{}, err
			}
			c.pending = append(c.pending, f)
		}
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

// expect skips frames until one of type typ arrives and decodes its payload
// into v.
func (c *wsClient) expect(typ string, v any) {
	c.t.Helper()
	for {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("%s: waiting for %s: %v", c.name, typ, err)
		}
		if f.Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				c.t.Fatalf("%s: decode %s: %v", c.name, typ, err)
			}
		}
		return
	}
}

// expectNone round-trips a list_users probe and fails if a frame of type
// typ arrives before the probe's answer.
func (c *wsClient) expectNone(typ string) {
	c.t.Helper()
	c.send(protocol.TypeListUsers, nil)
	for {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("%s: waiting for probe: %v", c.name, err)
		}
		if f.Type == typ {
			c.t.Fatalf("%s: unexpected %s frame: %s", c.name, typ, f.Data)
		}
		if f.Type == protocol.TypeUsers {
			return
		}
	}
}

func (c *wsClient) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
