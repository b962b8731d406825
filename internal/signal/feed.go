package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// envelope is the wire frame the scanner emits on its websocket.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Feed consumes signal:enter events from the upstream scanner and fans
// them out to subscribers. Handlers run on the feed goroutine: one signal
// at a time, in arrival order.
type Feed struct {
	url string

	mu   sync.RWMutex
	subs []func(*Signal)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFeed(url string) *Feed {
	return &Feed{url: url}
}

// Subscribe registers a handler for every signal:enter event.
func (f *Feed) Subscribe(fn func(*Signal)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

// Publish delivers a signal to all subscribers. The websocket loop calls
// this; tests and in-process producers may call it directly.
func (f *Feed) Publish(sig *Signal) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	for _, fn := range subs {
		fn(sig)
	}
}

// Start launches the websocket read loop with reconnect. No-op when the
// feed has no URL (in-process publishing only).
func (f *Feed) Start(ctx context.Context) {
	if f.url == "" {
		log.Info().Msg("Signal feed running in-process (no SIGNAL_FEED_URL)")
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop terminates the read loop and waits for it to exit.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", f.url).Msg("Signal feed dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		log.Info().Str("url", f.url).Msg("Signal feed connected")

		f.readLoop(ctx, conn)
		conn.Close()
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Signal feed read error, reconnecting")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debug().Err(err).Msg("Unparseable feed frame dropped")
			continue
		}
		if env.Type != "signal:enter" {
			continue
		}
		var sig Signal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			log.Warn().Err(err).Msg("Malformed signal:enter payload dropped")
			continue
		}
		f.Publish(&sig)
	}
}
