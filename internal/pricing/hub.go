package pricing

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// subscriber is one websocket connection interested in a set of accounts.
// Each subscriber has a buffered queue drained by a single writer goroutine,
// which preserves per-account update order end-to-end.
type subscriber struct {
	accountID int64
	queue     chan Revaluation
}

// Hub pushes conflated revaluation updates to downstream subscribers over
// websockets, keyed by accountId. Ordering within an account is preserved;
// no ordering is guaranteed across accounts.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64][]*subscriber // accountID -> subscribers

	queueDepth int
	log        zerolog.Logger
}

// NewHub creates a push hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:       make(map[int64][]*subscriber),
		queueDepth: 256,
		log:        log.With().Str("component", "push_hub").Logger(),
	}
}

// Push delivers an update to every subscriber of the account. A subscriber
// whose queue is full loses the oldest update; the latest always lands
// (the conflated stream makes older updates disposable).
func (h *Hub) Push(update Revaluation) {
	h.mu.RLock()
	subs := h.subs[update.AccountID]
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- update:
		default:
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- update:
			default:
			}
		}
	}
}

// ServeHTTP upgrades a subscription request. The account id comes from the
// "account" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account parameter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	sub := &subscriber{
		accountID: accountID,
		queue:     make(chan Revaluation, h.queueDepth),
	}
	h.add(sub)
	defer h.remove(sub)

	h.log.Info().Int64("account_id", accountID).Msg("Subscriber connected")
	h.writeLoop(r.Context(), conn, sub)
	h.log.Info().Int64("account_id", accountID).Msg("Subscriber disconnected")
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-sub.queue:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, update)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.accountID] = append(h.subs[sub.accountID], sub)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[sub.accountID]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.accountID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.accountID]) == 0 {
		delete(h.subs, sub.accountID)
	}
}
