package activity

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Stream message types
const (
	MessageFilters  = "filters"
	MessageSnapshot = "snapshot"
	MessageChange   = "change"
	MessageError    = "error"
)

// ClientMessage is sent by the browser to (re)load the panels
type ClientMessage struct {
	Type     string       `json:"type"`
	Activity LogFilter    `json:"activity"`
	Changes  ChangeFilter `json:"changes"`
}

// Snapshot is the full state of the four panels for one filter generation
type Snapshot struct {
	Type          string                       `json:"type"`
	Generation    uint64                       `json:"generation"`
	Sessions      []models.ActiveSession       `json:"sessions"`
	DocumentEdits []models.DocumentEditRecord  `json:"documentEdits"`
	ActivityLogs  []models.ActivityLog         `json:"activityLogs"`
	ChangeHistory []models.ChangeHistoryRecord `json:"changeHistory"`
	Errors        map[string]string            `json:"errors,omitempty"`
}

// ChangeMessage relays one row change
type ChangeMessage struct {
	Type  string               `json:"type"`
	Event realtime.ChangeEvent `json:"event"`
}

// Stream bridges the change hub to browser WebSocket connections
type Stream struct {
	svc      *Service
	upgrader websocket.Upgrader
}

// NewStream creates the WebSocket bridge. "*" allows any origin.
func NewStream(svc *Service, allowedOrigins []string) *Stream {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Stream{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// streamClient owns one connection's outbound queue
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

// enqueue never blocks; a client that cannot keep up is disconnected
func (c *streamClient) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.once.Do(c.cancel)
	}
}

func (c *streamClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.once.Do(c.cancel)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.once.Do(c.cancel)
				return
			}
		}
	}
}

// Handle upgrades the request and serves the stream until either side goes away
func (st *Stream) Handle(c *gin.Context) {
	logger := logging.NewLogger("activity_stream")

	conn, err := st.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	client := &streamClient{conn: conn, send: make(chan []byte, sendBuffer), cancel: cancel}

	forward := func(ev realtime.ChangeEvent) {
		client.enqueue(ChangeMessage{Type: MessageChange, Event: apiEvent(ev)})
	}
	subs := []*realtime.Subscription{
		st.svc.SubscribeSessions(forward),
		st.svc.SubscribeDocumentEdits(forward),
		st.svc.SubscribeActivityLogs(forward),
		st.svc.SubscribeChangeHistory(forward),
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		client.writePump(ctx)
	}()

	fence := &Fence{}
	defer fence.Stop()
	var fetches sync.WaitGroup
	load := func(msg ClientMessage) {
		fetches.Add(1)
		go func() {
			defer fetches.Done()
			st.snapshot(ctx, fence, client, msg)
		}()
	}
	load(ClientMessage{Type: MessageFilters})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		<-ctx.Done()
		// Unblock ReadMessage when the writer or a slow consumer ends the session
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("Activity stream closed")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageFilters {
			client.enqueue(map[string]string{"type": MessageError, "message": "expected a filters message"})
			continue
		}
		load(msg)
	}

	cancel()
	fence.Stop()
	fetches.Wait()
	writer.Wait()
}

// snapshot loads the panels for msg and sends them unless superseded
func (st *Stream) snapshot(ctx context.Context, fence *Fence, client *streamClient, msg ClientMessage) {
	snap, ok, _ := Fetch(fence, ctx, func(fctx context.Context, gen uint64) (*Snapshot, error) {
		out := st.load(fctx, msg)
		out.Generation = gen
		return out, nil
	})
	if !ok || ctx.Err() != nil {
		return
	}
	client.enqueue(snap)
}

// load fetches the four panels concurrently; one failing panel does not block the others
func (st *Stream) load(ctx context.Context, msg ClientMessage) *Snapshot {
	snap := &Snapshot{Type: MessageSnapshot}
	var mu sync.Mutex
	fail := func(panel string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if snap.Errors == nil {
			snap.Errors = make(map[string]string)
		}
		snap.Errors[panel] = err.Error()
	}

	var g errgroup.Group
	g.Go(func() error {
		rows, err := st.svc.GetActiveSessions(ctx)
		if err != nil {
			fail("sessions", err)
		}
		snap.Sessions = rows
		return nil
	})
	g.Go(func() error {
		rows, err := st.svc.GetDocumentEdits(ctx)
		if err != nil {
			fail("documentEdits", err)
		}
		snap.DocumentEdits = rows
		return nil
	})
	g.Go(func() error {
		rows, err := st.svc.GetActivityLogs(ctx, msg.Activity)
		if err != nil {
			fail("activityLogs", err)
		}
		snap.ActivityLogs = rows
		return nil
	})
	g.Go(func() error {
		rows, err := st.svc.GetChangeHistory(ctx, msg.Changes)
		if err != nil {
			fail("changeHistory", err)
		}
		snap.ChangeHistory = rows
		return nil
	})
	_ = g.Wait()
	return snap
}

// rowEncoders re-encode trigger rows of each table as the API model
var rowEncoders = map[string]func(json.RawMessage) (any, error){
	realtime.TableActiveSessions: asModel(models.DecodeActiveSessionRow),
	realtime.TableDocumentEdits:  asModel(models.DecodeDocumentEditRow),
	realtime.TableActivityLogs:   asModel(models.DecodeActivityLogRow),
	realtime.TableChangeHistory:  asModel(models.DecodeChangeHistoryRow),
}

func asModel[T any](decode func(json.RawMessage) (T, error)) func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		return decode(raw)
	}
}

// apiEvent rewrites the event's rows into the API's JSON shape.
// Rows that fail to decode are dropped rather than leaked in storage form.
func apiEvent(ev realtime.ChangeEvent) realtime.ChangeEvent {
	encode, ok := rowEncoders[ev.Table]
	if !ok {
		ev.Old, ev.New = nil, nil
		return ev
	}
	ev.Old = reencode(encode, ev.Old)
	ev.New = reencode(encode, ev.New)
	return ev
}

func reencode(encode func(json.RawMessage) (any, error), raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	row, err := encode(raw)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(row)
	if err != nil {
		return nil
	}
	return out
}
