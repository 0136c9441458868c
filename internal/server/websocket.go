package server

import (
	"context"
	"net/http"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// upgrader only accepts same-origin handshakes
var upgrader = websocket.Upgrader{}

// websocketServer is an http server which can additionally stream the output of tasks over websockets
type websocketServer struct {
	*httpServer
}

type streamMessage struct {
	Line     *outputLine `json:"line,omitempty"`
	ExitCode *int        `json:"exitCode,omitempty"`
}

func newWebsocketServer(ctx context.Context, orchestrator *versisect.Orchestrator, maxConcurrent uint, log *logrus.Logger) *websocketServer {
	w := &websocketServer{httpServer: newHTTPServer(ctx, orchestrator, maxConcurrent, log)}
	w.router.GET("/tasks/:taskId/stream", w.streamTask)
	return w
}

// streamTask sends every output line of a task as it arrives, followed by the task's exit code
func (w *websocketServer) streamTask(c *gin.Context) {
	record, found := w.lookup(c.Param("taskId"))
	if !found {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.log.Warnf("Failed to upgrade the websocket - %v", err)
		return
	}
	defer ws.Close()

	log := w.log.WithField("task-id", record.id)
	log.Debugf("Websocket client connected")

	// Notices closed connections, whose messages are of no interest otherwise
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	for {
		lines, done, changed := record.since(sent)
		for i := range lines {
			if err := ws.WriteJSON(streamMessage{Line: &lines[i]}); err != nil {
				log.Debugf("Websocket client disconnected - %v", err)
				return
			}
		}
		sent += len(lines)

		if done {
			code := record.response().ExitCode
			if err := ws.WriteJSON(streamMessage{ExitCode: code}); err != nil {
				log.Debugf("Websocket client disconnected - %v", err)
				return
			}
			if err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
				log.Debugf("Failed to close the websocket - %v", err)
			}
			return
		}

		select {
		case <-changed:
		case <-closed:
			log.Debugf("Websocket client disconnected")
			return
		case <-w.ctx.Done():
			return
		}
	}
}
