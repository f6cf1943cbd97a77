package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// changeListener holds a dedicated pgx connection LISTENing on the command
// change channel and fans notifications out to in-process subscribers.
// A dedicated connection is required: LISTEN does not work through a pool.
type changeListener struct {
	dsn     string
	channel string

	connMu sync.Mutex
	conn   *pgx.Conn

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newChangeListener(dsn, channel string) *changeListener {
	return &changeListener{
		dsn:     dsn,
		channel: channel,
		subs:    make(map[int]chan Change),
	}
}

// Start connects, issues LISTEN and begins the receive loop.
func (l *changeListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connecting for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", l.channel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()
	return nil
}

// Subscribe registers a change-feed consumer.
func (l *changeListener) Subscribe(ctx context.Context) (<-chan Change, func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Change, 64)
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return ch, stop
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *changeListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Change feed receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		var change Change
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			slog.Warn("Malformed change feed payload", "error", err)
			continue
		}
		l.fanOut(change)
	}
}

// fanOut delivers a change to all subscribers without blocking.
func (l *changeListener) fanOut(change Change) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- change:
		default: // slow consumer, drop
		}
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *changeListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			slog.Error("Change feed reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "channel", l.channel, "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		slog.Info("Change feed listener reconnected")
		return
	}
}

// Stop terminates the receive loop and closes the connection.
func (l *changeListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
