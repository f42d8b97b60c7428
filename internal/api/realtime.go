package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"searchdock/internal/hub"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionStatus      = "status"

	sseKeepAlive = 15 * time.Second
)

type clientMessage struct {
	Action string `json:"action"`
	TaskID string `json:"taskId"`
}

// ServeWS upgrades to a WebSocket. Clients send subscribe, unsubscribe and
// status actions and receive task events for their subscriptions.
func (a *API) ServeWS(c *gin.Context) {
	srv := websocket.Server{
		Handshake: a.checkOrigin,
		Handler:   a.wsSession,
	}
	srv.ServeHTTP(c.Writer, c.Request)
}

// checkOrigin admits same-host and configured origins. Requests without an
// Origin header come from non-browser clients and are admitted.
func (a *API) checkOrigin(_ *websocket.Config, req *http.Request) error {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("bad origin %q: %w", origin, err)
	}
	if strings.EqualFold(u.Host, req.Host) || a.origins[strings.ToLower(strings.TrimRight(origin, "/"))] {
		return nil
	}
	log.Warn().Str("origin", origin).Str("host", req.Host).Msg("websocket origin rejected")
	return fmt.Errorf("origin %q not allowed", origin)
}

func (a *API) wsSession(conn *websocket.Conn) {
	clientID := uuid.NewString()
	sub := a.hub.Connect(clientID)
	logger := log.With().Str("client_id", clientID).Logger()
	logger.Info().Msg("websocket client connected")

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for ev := range sub.C {
			if err := websocket.JSON.Send(conn, ev); err != nil {
				logger.Debug().Err(err).Msg("websocket send failed")
				_ = conn.Close()
				return
			}
		}
	}()

	defer func() {
		a.hub.Disconnect(clientID)
		writer.Wait()
		logger.Info().Msg("websocket client disconnected")
	}()

	for {
		var msg clientMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("websocket receive failed")
			}
			return
		}
		a.handleClientMessage(clientID, msg)
	}
}

func (a *API) handleClientMessage(clientID string, msg clientMessage) {
	switch msg.Action {
	case actionSubscribe:
		a.hub.Subscribe(clientID, msg.TaskID)
		a.sendStatus(clientID, msg.TaskID)
	case actionUnsubscribe:
		a.hub.Unsubscribe(clientID, msg.TaskID)
	case actionStatus:
		a.sendStatus(clientID, msg.TaskID)
	default:
		a.hub.Send(clientID, hub.Event{
			Type:    hub.EventError,
			TaskID:  msg.TaskID,
			Payload: hub.Failure{Error: "unknown action " + msg.Action, Code: codeValidation},
		})
	}
}

// sendStatus answers with the task snapshot so a late subscriber can catch up.
func (a *API) sendStatus(clientID, taskID string) {
	found, err := a.registry.Get(taskID)
	if err != nil {
		_, code := classify(err)
		a.hub.Send(clientID, hub.Event{Type: hub.EventError, TaskID: taskID, Payload: hub.Failure{Error: err.Error(), Code: code}})
		return
	}
	a.hub.Send(clientID, hub.Event{Type: hub.EventStatus, TaskID: taskID, Payload: found})
}

// StreamEvents streams one task's events as server-sent events until the task
// finishes or the client goes away.
func (a *API) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	clientID := "sse-" + uuid.NewString()
	sub := a.hub.Connect(clientID)
	defer a.hub.Disconnect(clientID)
	a.hub.Subscribe(clientID, id)

	// subscribe first so nothing published after the snapshot is missed
	snapshot, err := a.registry.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(hub.EventStatus), hub.Event{Type: hub.EventStatus, TaskID: id, Payload: snapshot, Timestamp: time.Now().UTC()})
	c.Writer.Flush()
	if snapshot.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != hub.EventCompletion && ev.Type != hub.EventError
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
