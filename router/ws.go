package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fpv-tools/racetimer/events"
	"github.com/fpv-tools/racetimer/middleware"
	"github.com/fpv-tools/racetimer/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsFrame is the wire format for event messages in both directions.
type wsFrame struct {
	ID      uuid.UUID       `json:"id"`
	EventID string          `json:"event_id"`
	Data    json.RawMessage `json:"data"`
}

// serveWS is the event websocket. The connection subscribes to the bus
// with the user's granted permissions; a permissions_update event makes it
// reload them. Unauthenticated or unauthorized connections are redirected
// to the index page.
func serveWS(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := middleware.Authenticate(r, d.JWTSecret, d.Users)
		if err != nil || !user.HasPermission(store.PermEventWebsocket) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		// The bus handler only enqueues, so a slow socket never stalls
		// dispatch beyond the send buffer.
		send := make(chan events.Message, wsSendBuffer)
		sub := d.Bus.Subscribe(user.Permissions(), func(msg events.Message) error {
			select {
			case send <- msg:
			default:
				d.Log.Warn().Str("username", user.Username).
					Msg("websocket send buffer full; event dropped")
			}
			return nil
		})
		defer d.Bus.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return wsSendLoop(ctx, d, conn, sub, user, send) })
		g.Go(func() error { return wsReceiveLoop(ctx, d, conn) })
		go func() {
			// Unblock the blocked ReadMessage when the other pump fails.
			<-ctx.Done()
			conn.Close()
		}()

		if err := g.Wait(); err != nil && !websocket.IsCloseError(err,
			websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			d.Log.Debug().Err(err).Str("username", user.Username).Msg("websocket closed")
		}
	}
}

// wsSendLoop serializes bus messages to the socket in dispatch order.
func wsSendLoop(ctx context.Context, d Deps, conn *websocket.Conn,
	sub *events.Subscription, user *store.User, send <-chan events.Message) error {

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-send:
			if msg.Descriptor == events.PermissionsUpdate {
				refreshed, err := d.Users.UserByAuthID(ctx, user.AuthID)
				if err != nil {
					d.Log.Warn().Err(err).Str("username", user.Username).
						Msg("permission refresh failed")
				} else {
					sub.SetPermissions(refreshed.Permissions())
				}
			}

			data, err := json.Marshal(msg.Data)
			if err != nil {
				d.Log.Warn().Err(err).Str("event", msg.Descriptor.ID).
					Msg("event payload marshal failed")
				continue
			}
			frame := wsFrame{ID: msg.ID, EventID: msg.Descriptor.ID, Data: data}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return err
			}
		}
	}
}

// wsReceiveLoop validates inbound frames and discards malformed ones.
func wsReceiveLoop(ctx context.Context, d Deps, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.EventID == "" {
			d.Log.Debug().Msg("malformed websocket frame ignored")
			continue
		}
		if events.Lookup(frame.EventID) == nil {
			d.Log.Debug().Str("event", frame.EventID).Msg("unknown event id ignored")
			continue
		}
		// Inbound event handling (e.g. operator acks) is not wired to any
		// background task yet; frames are validated and dropped.
	}
}
