package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/api"
	"github.com/datadvance/pRouter/internal/dispatcher"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/lifecycle"
	"github.com/datadvance/pRouter/internal/proxy"
	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/stubagent"
)

// harness boots a real control server and a real agent listener, both
// backed by the production router/registry/dispatcher wiring, and
// connects one stub agent to it, so tests exercise the whole stack the
// way spec.md §8's scenarios describe rather than any single package in
// isolation.
type harness struct {
	control *httptest.Server
	agent   *stubagent.Agent
	connID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()

	id, err := identity.New("", "test-router", []string{"s3cr3t"}, log)
	require.NoError(t, err)

	reg := registry.New(log, time.Second, false)
	disp := dispatcher.New(reg, id, log)
	proxyEngine := proxy.New(reg, log)
	ctrl := lifecycle.New(reg, log)

	agentSrv := httptest.NewServer(api.NewAgentRouter(api.AcceptAgent(reg, id, log), log))
	controlSrv := httptest.NewServer(api.NewControlRouter(api.ControlConfig{
		Registry:   reg,
		Identity:   id,
		Dispatcher: disp,
		Proxy:      proxyEngine,
		Exit:       ctrl.Exit,
		Logger:     log,
	}))

	agentWSURL := "ws" + strings.TrimPrefix(agentSrv.URL, "http") + registry.AgentRPCPath
	ag := stubagent.New(agentWSURL, "s3cr3t", "worker-1", map[string]any{}, log)
	require.NoError(t, ag.Connect(context.Background()))

	t.Cleanup(func() {
		agentSrv.Close()
		controlSrv.Close()
	})

	h := &harness{control: controlSrv, agent: ag}

	// Discover the connection id the registry assigned the stub agent by
	// asking the admin endpoint, the same way an operator would.
	resp, err := http.Get(controlSrv.URL + "/connections")
	require.NoError(t, err)
	defer resp.Body.Close()
	var envelope struct {
		Connections []struct {
			UID  string         `json:"uid"`
			Peer map[string]any `json:"peer"`
		} `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Connections, 1)
	h.connID = envelope.Connections[0].UID
	return h
}

func (h *harness) createJob(t *testing.T, name string) map[string]any {
	t.Helper()
	body := fmt.Sprintf(`{"agent":{"type":"uid","uid":"worker-1"},"name":%q}`, name)
	resp, err := http.Post(h.control.URL+"/jobs/create", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func TestJobCreateAndHTTPEcho(t *testing.T) {
	h := newHarness(t)
	info := h.createJob(t, "echo-job")
	path, _ := info["path"].(string)
	require.NotEmpty(t, path)

	resp, err := http.Get(h.control.URL + path + "/http/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "echo:/hello", buf.String())
}

func TestJobCreateUnknownAgentUID(t *testing.T) {
	h := newHarness(t)
	body := `{"agent":{"type":"uid","uid":"does-not-exist"},"name":"x"}`
	resp, err := http.Post(h.control.URL+"/jobs/create", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobCreateRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)
	body := `{"agent":{"type":"uid"},"name":"x"}`
	resp, err := http.Post(h.control.URL+"/jobs/create", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestJobInfoUnknownConnection exercises scenario S5: looking up a job on
// a connection id the registry has never seen must 404 with a body
// naming both "connection" and "not found".
func TestJobInfoUnknownConnection(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.control.URL + "/jobs/wrong_connection_id/some-job/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "connection")
	require.Contains(t, buf.String(), "not found")
}

func TestFileUploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t)
	info := h.createJob(t, "file-job")
	path, _ := info["path"].(string)

	payload := []byte("the quick brown fox")
	req, err := http.NewRequest(http.MethodPost, h.control.URL+path+"/file/data.txt", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(h.control.URL + path + "/file/data.txt")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(getResp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, buf.Bytes())
}

// TestActiveBridgeEcho exercises scenario S3: the router tells the agent
// to open a websocket client to the job, the router itself dials a
// third-party endpoint, and bridges the two. The stub agent's ws_connect
// handler echoes every frame it receives, so whatever the third-party
// endpoint sends comes back to it once the bridge is wired correctly.
func TestActiveBridgeEcho(t *testing.T) {
	h := newHarness(t)
	info := h.createJob(t, "bridge-job")
	path, _ := info["path"].(string)

	received := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("websocket data")))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		received <- string(data)
	}))
	defer endpoint.Close()

	targetURL := "ws" + strings.TrimPrefix(endpoint.URL, "http")
	body := fmt.Sprintf(`{"url":%q}`, targetURL)
	resp, err := http.Post(h.control.URL+path+"/wsconnect/ws_echo", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case data := <-received:
		require.Equal(t, "websocket data", data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bridged echo")
	}
}

func TestConnectionsEndpointListsConnectedAgent(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.control.URL + "/connections")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var envelope struct {
		Connections []struct {
			Mode string         `json:"mode"`
			Peer map[string]any `json:"peer"`
		} `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Connections, 1)
	require.Equal(t, "SERVER", envelope.Connections[0].Mode)
	auth, ok := envelope.Connections[0].Peer["auth"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "worker-1", auth["uid"])
}
