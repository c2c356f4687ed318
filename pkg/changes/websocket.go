package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/gorilla/websocket"
)

var errStreamClosed = errors.New("change stream closed by server")

// WebsocketSubscriber consumes JSON change events from a websocket stream, resuming from the
// last seen sequence number after a reconnect.
type WebsocketSubscriber struct {
	logger    *slog.Logger
	socketURL *url.URL
	source    *Source

	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration

	seqLk   sync.RWMutex
	lastSeq int64
}

func NewWebsocketSubscriber(logger *slog.Logger, rawURL string, source *Source) (*WebsocketSubscriber, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse change stream url: %w", err)
	}
	return &WebsocketSubscriber{
		logger:           logger.With("module", "changes", "transport", "websocket"),
		socketURL:        u,
		source:           source,
		MaxRetryInterval: 30 * time.Second,
	}, nil
}

func (w *WebsocketSubscriber) SetSeq(seq int64) {
	w.seqLk.Lock()
	defer w.seqLk.Unlock()
	if seq > w.lastSeq {
		w.lastSeq = seq
	}
}

func (w *WebsocketSubscriber) GetSeq() int64 {
	w.seqLk.RLock()
	defer w.seqLk.RUnlock()
	return w.lastSeq
}

// Start consumes the stream until ctx is cancelled, reconnecting with exponential backoff.
func (w *WebsocketSubscriber) Start(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = w.MaxRetryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)

	err := backoff.RetryNotify(func() error {
		err := w.consume(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errStreamClosed
		}
		return err
	}, b, func(err error, d time.Duration) {
		subscriberReconnects.Inc()
		w.logger.Warn("change stream disconnected, reconnecting", "err", err, "backoff", d.String(), "last_seq", w.GetSeq())
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *WebsocketSubscriber) consume(ctx context.Context, connected func()) error {
	u := *w.socketURL
	if seq := w.GetSeq(); seq > 0 {
		q := u.Query()
		q.Set("seq", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}

	w.logger.Info("connecting to change stream", "url", u.String())
	con, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{
		"User-Agent": []string{"feedgen/0.1.0"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to change stream: %w", err)
	}
	defer con.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			con.Close()
		case <-stop:
		}
	}()

	connected()
	for {
		msgType, data, err := con.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read change event: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		w.handleFrame(ctx, data)
	}
}

func (w *WebsocketSubscriber) handleFrame(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		subscriberMessages.WithLabelValues("websocket", "malformed").Inc()
		w.logger.Warn("dropping malformed change event", "err", err)
		return
	}
	if ev.Seq > 0 {
		w.SetSeq(ev.Seq)
	}
	if _, err := w.source.Handle(ctx, ev); err != nil {
		outcome := "error"
		if feed.IsValidation(err) {
			outcome = "invalid"
		}
		subscriberMessages.WithLabelValues("websocket", outcome).Inc()
		w.logger.Error("failed to handle change event", "seq", ev.Seq, "type", ev.Type, "err", err)
		return
	}
	subscriberMessages.WithLabelValues("websocket", "ok").Inc()
}
