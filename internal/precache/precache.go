// Package precache carries warm-the-cache hints to a background worker over
// a websocket. The channel is strictly one way and best effort: a hint that
// cannot be delivered is dropped with a log line, never retried, and never
// blocks the interactive path that produced it.
package precache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultSendTimeout bounds a single hint delivery.
const DefaultSendTimeout = 3 * time.Second

// Hint asks the worker to warm one query's cache entry ahead of need.
type Hint struct {
	UserID  string            `json:"user_id"`
	Entity  string            `json:"entity"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Notifier is the sending end of the precache channel. It dials lazily and
// reconnects after delivery failures. Safe for concurrent use.
type Notifier struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewNotifier creates a Notifier for the worker at url (ws:// or wss://).
// No connection is made until the first hint.
func NewNotifier(url string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return &Notifier{url: url, timeout: timeout, logger: logger}
}

// Notify delivers a hint, fire and forget. Delivery failures are logged and
// the connection is dropped so the next hint redials. Notify never returns
// an error: a lost hint only costs a cache miss later.
func (n *Notifier) Notify(ctx context.Context, hint Hint) {
	data, err := json.Marshal(hint)
	if err != nil {
		n.logger.Warn("precache: hint not encodable", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	conn, err := n.connLocked(ctx)
	if err != nil {
		n.logger.Debug("precache: worker unavailable, hint dropped",
			slog.String("error", err.Error()),
		)

		return
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		n.logger.Debug("precache: hint delivery failed, dropping connection",
			slog.String("error", err.Error()),
		)

		_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
		n.conn = nil
	}
}

// Close shuts the channel down.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		_ = n.conn.Close(websocket.StatusNormalClosure, "")
		n.conn = nil
	}
}

func (n *Notifier) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if n.conn != nil {
		return n.conn, nil
	}

	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		return nil, err
	}

	n.conn = conn

	return conn, nil
}

// WarmFunc handles one received hint, typically by loading the hinted query
// through the cache.
type WarmFunc func(ctx context.Context, hint Hint)

// Receiver is the worker end of the channel: an http.Handler that accepts
// the websocket and feeds decoded hints to warm. Malformed frames are
// dropped; the channel carries hints, not commands, so there is nothing to
// negotiate or acknowledge.
type Receiver struct {
	warm   WarmFunc
	logger *slog.Logger
}

// NewReceiver creates the worker end of the precache channel.
func NewReceiver(warm WarmFunc, logger *slog.Logger) *Receiver {
	return &Receiver{warm: warm, logger: logger}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rc.logger.Warn("precache: websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, readErr := conn.Read(r.Context())
		if readErr != nil {
			return
		}

		var hint Hint
		if err := json.Unmarshal(data, &hint); err != nil {
			rc.logger.Debug("precache: dropping malformed hint",
				slog.String("error", err.Error()),
			)

			continue
		}

		rc.warm(r.Context(), hint)
	}
}
