package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
versions:
  - version: 10.0.0
  - version: 10.1.0
  - version: 11.0.0-nightly.20200901
  - version: 11.0.0
  - version: 11.1.0
`

func init() {
	gin.SetMode(gin.TestMode)
}

func mutedLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestOrchestrator returns an orchestrator whose runs print the version and fail from 11.0.0 on
func newTestOrchestrator(t *testing.T) *versisect.Orchestrator {
	t.Helper()
	catalog, err := versisect.LoadCatalog(strings.NewReader(testCatalog))
	require.Nil(t, err)

	return &versisect.Orchestrator{
		Catalog:  catalog,
		Resolver: &versisect.FileResolver{},
		Executor: versisect.ExecutorFunc(func(ctx context.Context, req versisect.RunRequest, events chan<- versisect.Event) error {
			versisect.Emit(ctx, events, versisect.OutputEvent{RunID: req.RunID, Entry: versisect.OutputEntry{Text: "running " + req.Version.Version, Timestamp: time.Now()}})
			result := versisect.ResultSuccess
			if versisect.CompareVersions(req.Version.Version, "11.0.0") >= 0 {
				result = versisect.ResultFailure
			}
			if !versisect.Emit(ctx, events, versisect.ResultEvent{RunID: req.RunID, Result: result}) {
				return ctx.Err()
			}
			return nil
		}),
	}
}

func newTestServer(t *testing.T, serverType ServerType) Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server, err := NewServer(ctx, serverType, newTestOrchestrator(t), 2, mutedLogger())
	require.Nil(t, err)
	return server
}

func request(t *testing.T, server Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return requestWithHeaders(t, server, method, path, body, http.Header{"Content-Type": {"application/json"}})
}

func requestWithHeaders(t *testing.T, server Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

// submit submits a task and waits until it is done
func submit(t *testing.T, server Server, path, body string) taskResponse {
	t.Helper()
	rec := request(t, server, http.MethodPost, path, body)
	require.Equal(t, http.StatusAccepted, rec.Code, "Task was not accepted: %s", rec.Body.String())

	var submitted taskResponse
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.NotEmpty(t, submitted.TaskID)

	var task taskResponse
	require.Eventually(t, func() bool {
		rec := request(t, server, http.MethodGet, "/tasks/"+submitted.TaskID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		task = taskResponse{}
		return json.Unmarshal(rec.Body.Bytes(), &task) == nil && task.State == string(stateDone)
	}, 5*time.Second, 10*time.Millisecond, "Task didn't finish")
	return task
}

func outputTexts(lines []outputLine) []string {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	return texts
}

func TestGetVersions(t *testing.T) {
	server := newTestServer(t, HTTP)

	var versions []versionResponse
	rec := request(t, server, http.MethodGet, "/versions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 4, "Nightlies should be hidden by default")

	rec = request(t, server, http.MethodGet, "/versions?nightlies=true", "")
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 5)
	assert.Equal(t, "nightly", versions[2].Channel)

	rec = request(t, server, http.MethodGet, "/versions?nightlies=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestTask(t *testing.T) {
	server := newTestServer(t, HTTP)

	task := submit(t, server, "/tasks/test", `{"files": {"main.js": "1"}, "version": "11.0.0"}`)

	assert.Equal(t, "test", task.Kind)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, int(versisect.ExitFailure), *task.ExitCode)
	assert.Contains(t, outputTexts(task.Output), "Run at version 11.0.0: failure")
}

func TestBisectTask(t *testing.T) {
	server := newTestServer(t, HTTP)

	task := submit(t, server, "/tasks/bisect", `{"files": {"main.js": "1"}, "good": "10.0.0", "bad": "11.1.0", "nightlies": true}`)

	require.NotNil(t, task.ExitCode)
	assert.Equal(t, int(versisect.ExitSuccess), *task.ExitCode)
	assert.Contains(t, outputTexts(task.Output), "Bisection done after 2 runs: the change was introduced between 11.0.0-nightly.20200901 and 11.0.0")

	rec := request(t, server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `versisect_tasks_total{exit_code="0",kind="bisect"} 1`)
}

func TestUnresolvableTask(t *testing.T) {
	server := newTestServer(t, HTTP)

	task := submit(t, server, "/tasks/test", `{"fiddle": "/does/not/exist"}`)

	require.NotNil(t, task.ExitCode)
	assert.Equal(t, int(versisect.ExitInvalid), *task.ExitCode)
	require.NotEmpty(t, task.Output)
	last := task.Output[len(task.Output)-1]
	assert.True(t, last.Stderr, "Errors should be marked as such")
	assert.Equal(t, `Unrecognized Fiddle "/does/not/exist"`, last.Text)
}

func TestInvalidTasks(t *testing.T) {
	server := newTestServer(t, HTTP)

	values := []struct {
		path string
		body string
	}{
		{"/tasks/test", `{"files": {"main.js": "1"}, "version": "eleven"}`},
		{"/tasks/test", `{"version": "11.0.0"}`},
		{"/tasks/test", `not json`},
		{"/tasks/bisect", `{"files": {"main.js": "1"}, "good": "10.0.0"}`},
		{"/tasks/bisect", `{"fiddle": " ", "good": "10.0.0", "bad": "11.0.0"}`},
	}

	for _, v := range values {
		rec := request(t, server, http.MethodPost, v.path, v.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "Request %s %s should be rejected", v.path, v.body)
	}

	rec := request(t, server, http.MethodGet, "/tasks/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectsRequestsFromWebPages(t *testing.T) {
	server := newTestServer(t, HTTP)
	body := `{"files": {"main.js": "1"}, "good": "10.0.0", "bad": "11.1.0"}`

	values := []struct {
		name        string
		method      string
		path        string
		contentType string
		origin      string
		status      int
	}{
		{"Foreign origin", http.MethodPost, "/tasks/bisect", "application/json", "https://evil.example", http.StatusForbidden},
		{"Foreign origin as plain text", http.MethodPost, "/tasks/bisect", "text/plain", "https://evil.example", http.StatusForbidden},
		{"Opaque origin", http.MethodPost, "/tasks/test", "application/json", "null", http.StatusForbidden},
		{"Foreign origin reading versions", http.MethodGet, "/versions", "", "https://evil.example", http.StatusForbidden},
		{"Plain text", http.MethodPost, "/tasks/bisect", "text/plain", "", http.StatusUnsupportedMediaType},
		{"Form", http.MethodPost, "/tasks/test", "application/x-www-form-urlencoded", "", http.StatusUnsupportedMediaType},
		{"Missing content type", http.MethodPost, "/tasks/test", "", "", http.StatusUnsupportedMediaType},
		{"Local origin", http.MethodPost, "/tasks/bisect", "application/json; charset=utf-8", "http://localhost:3000", http.StatusAccepted},
		{"Loopback origin", http.MethodPost, "/tasks/bisect", "application/json", "http://127.0.0.1:40032", http.StatusAccepted},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			header := http.Header{}
			if v.contentType != "" {
				header.Set("Content-Type", v.contentType)
			}
			if v.origin != "" {
				header.Set("Origin", v.origin)
			}
			rec := requestWithHeaders(t, server, v.method, v.path, body, header)
			assert.Equal(t, v.status, rec.Code, rec.Body.String())
		})
	}

	// Only the two accepted tasks should exist
	server.Wait()
	h := server.(*httpServer)
	h.mu.Lock()
	assert.Len(t, h.tasks, 2, "Rejected requests shouldn't create tasks")
	h.mu.Unlock()
}

func TestIsLocalOrigin(t *testing.T) {
	values := []struct {
		origin string
		local  bool
	}{
		{"http://localhost:40032", true},
		{"https://localhost", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"https://evil.example", false},
		{"http://localhost.evil.example", false},
		{"file://localhost", false},
		{"null", false},
	}

	for _, v := range values {
		assert.Equal(t, v.local, isLocalOrigin(v.origin), "Origin %s", v.origin)
	}
}

func TestFinishedTasksAreForgotten(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := newHTTPServer(ctx, newTestOrchestrator(t), 1, mutedLogger())
	server.maxFinished = 1

	first := submit(t, server, "/tasks/test", `{"files": {"main.js": "1"}, "version": "10.1.0"}`)
	server.Wait()
	second := submit(t, server, "/tasks/test", `{"files": {"main.js": "1"}, "version": "11.0.0"}`)

	assert.Eventually(t, func() bool {
		return request(t, server, http.MethodGet, "/tasks/"+first.TaskID, "").Code == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond, "Oldest finished task should be forgotten")
	assert.Equal(t, http.StatusOK, request(t, server, http.MethodGet, "/tasks/"+second.TaskID, "").Code, "Newest finished task should be kept")
}

func TestStreamOnlyOnWebsocketServer(t *testing.T) {
	server := newTestServer(t, HTTP)
	rec := request(t, server, http.MethodGet, "/tasks/unknown/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamTask(t *testing.T) {
	server := newTestServer(t, Websocket)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	rec := request(t, server, http.MethodPost, "/tasks/test", `{"files": {"main.js": "1"}, "version": "10.1.0"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted taskResponse
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/tasks/" + submitted.TaskID + "/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err, "Couldn't connect to stream")
	defer ws.Close()

	var lines []string
	for {
		var msg streamMessage
		require.Nil(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.Nil(t, ws.ReadJSON(&msg), "Stream ended without an exit code")
		if msg.Line != nil {
			lines = append(lines, msg.Line.Text)
		}
		if msg.ExitCode != nil {
			assert.Equal(t, 0, *msg.ExitCode)
			break
		}
	}
	assert.Contains(t, lines, "Run at version 10.1.0: success")
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "Stream should be closed normally, got %v", err)

	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	assert.NotNil(t, err, "Foreign pages shouldn't be able to read task output")
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRunShutsDownWithContext(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, HTTP, port, newTestOrchestrator(t), 1, mutedLogger())
	}()

	require.Eventually(t, func() bool {
		res, err := http.Get(fmt.Sprintf("http://localhost:%d/versions", port))
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "Server didn't come up")

	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err, "Run should return cleanly on shutdown")
	case <-time.After(10 * time.Second):
		t.Fatal("Run didn't return after its context was cancelled")
	}
}
