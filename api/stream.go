package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxSocketInput = 512
)

// streamCards pushes the full snapshot of the workspace as server-sent events
// on connect and after every change notification.
func (h *handlers) streamCards(c echo.Context) error {
	_, ws, status, err := h.authorize(c, true)
	if err != nil {
		return c.String(status, err.Error())
	}

	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	var events <-chan domain.CardEvent
	if h.hub != nil {
		ch, cancel := h.hub.Subscribe(ws)
		defer cancel()
		events = ch
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	logger := h.logger.WithField("workspace", ws)
	for {
		if err := h.writeSnapshot(ctx, res, ws); err != nil {
			logger.WithError(err).Debug("snapshot stream closed")
			return nil
		}
		flusher.Flush()

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-events:
				if !ok {
					return nil
				}
				break wait
			case <-ticker.C:
				if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func (h *handlers) writeSnapshot(ctx context.Context, w http.ResponseWriter, ws string) error {
	cards, err := h.store.ListCards(ctx, ws)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(cardsResponse{Cards: cards})
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+32)
	buf = append(buf, "event: snapshot\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}

// cardsSocket upgrades to a websocket and forwards change notifications of
// the workspace. Clients refetch the snapshot when notified.
func (h *handlers) cardsSocket(c echo.Context) error {
	_, ws, status, err := h.authorize(c, true)
	if err != nil {
		return c.String(status, err.Error())
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe(ws)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxSocketInput)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingPeriod())
	defer ping.Stop()

	logger := h.logger.WithFields(log.Fields{"workspace": ws, "remote": c.RealIP()})
	for {
		select {
		case <-closed:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg := domain.ChangeNotification{
				Type:        domain.NotificationCardsChanged,
				WorkspaceID: ws,
				CardID:      ev.CardID,
				Event:       ev.Type,
			}
			data, err := sonic.Marshal(msg)
			if err != nil {
				logger.WithError(err).Error("encode notification")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}

func (h *handlers) pingPeriod() time.Duration {
	if p := pongWait * 9 / 10; h.keepAlive > p {
		return p
	}
	return h.keepAlive
}
