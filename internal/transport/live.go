package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	livePath             = "/ws"
	liveWriteWait        = 10 * time.Second
	defaultLiveReadWait  = 60 * time.Second
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	liveOutgoingBuffer   = 64
)

// LiveConfig describes the live channel client.
type LiveConfig struct {
	ServerURL     string
	Token         string
	DeviceID      string
	Dialer        *websocket.Dialer
	ReadWait      time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *zap.Logger
}

// LiveClient keeps a websocket open to the broker and hands every server message to a callback.
type LiveClient struct {
	url           string
	header        http.Header
	dialer        *websocket.Dialer
	readWait      time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	logger        *zap.Logger

	connected atomic.Bool
	mu        sync.Mutex
	outgoing  chan []byte
}

// NewLiveClient derives the websocket URL from the server URL and constructs a LiveClient.
func NewLiveClient(cfg LiveConfig) (*LiveClient, error) {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errMissingDeviceID
	}
	endpoint, err := liveURL(cfg.ServerURL, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	client := &LiveClient{
		url:           endpoint,
		header:        header,
		dialer:        cfg.Dialer,
		readWait:      cfg.ReadWait,
		reconnectBase: cfg.ReconnectBase,
		reconnectMax:  cfg.ReconnectMax,
		logger:        cfg.Logger,
	}
	if client.dialer == nil {
		client.dialer = websocket.DefaultDialer
	}
	if client.readWait <= 0 {
		client.readWait = defaultLiveReadWait
	}
	if client.reconnectBase <= 0 {
		client.reconnectBase = defaultReconnectBase
	}
	if client.reconnectMax <= 0 {
		client.reconnectMax = defaultReconnectMax
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

func liveURL(serverURL, deviceID string) (string, error) {
	if strings.TrimSpace(serverURL) == "" {
		return "", errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + livePath
	query := url.Values{}
	query.Set("deviceId", deviceID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Connected reports whether a socket is currently open.
func (l *LiveClient) Connected() bool {
	return l.connected.Load()
}

// Run keeps the channel open until ctx is cancelled, reconnecting with capped exponential backoff.
// Authorization failures are returned instead of retried.
func (l *LiveClient) Run(ctx context.Context, handle func(wire.Message)) error {
	backoff := l.newBackoff()
	for {
		established, err := l.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return err
		}
		if established {
			backoff = l.newBackoff()
		}
		delay, _ := backoff.Next()
		l.logger.Info("live channel disconnected",
			zap.Duration("reconnect_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *LiveClient) newBackoff() retry.Backoff {
	backoff := retry.NewExponential(l.reconnectBase)
	backoff = retry.WithCappedDuration(l.reconnectMax, backoff)
	return retry.WithJitterPercent(20, backoff)
}

func (l *LiveClient) session(ctx context.Context, handle func(wire.Message)) (bool, error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		if resp != nil {
			return false, &StatusError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return false, fmt.Errorf("%w: dial live channel: %v", ErrTransient, err)
	}

	outgoing := make(chan []byte, liveOutgoingBuffer)
	l.mu.Lock()
	l.outgoing = outgoing
	l.mu.Unlock()
	l.connected.Store(true)

	sessionCtx, cancel := context.WithCancel(ctx)
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		l.writeLoop(sessionCtx, conn, outgoing)
	}()
	defer func() {
		l.connected.Store(false)
		l.mu.Lock()
		l.outgoing = nil
		l.mu.Unlock()
		cancel()
		writers.Wait()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(l.readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(l.readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(liveWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: read live channel: %v", ErrTransient, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.readWait))
		message, err := wire.DecodeOutbound(data)
		if err != nil {
			l.logger.Warn("ignoring undecodable live message", zap.Error(err))
			continue
		}
		handle(message)
	}
}

func (l *LiveClient) writeLoop(ctx context.Context, conn *websocket.Conn, outgoing <-chan []byte) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(liveWriteWait))
			return
		case payload := <-outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				l.logger.Debug("live channel write failed", zap.Error(err))
				return
			}
		}
	}
}

// Send queues a message for the open socket without blocking. It returns false when the channel
// is down or the buffer is full; live messages are best-effort.
func (l *LiveClient) Send(message wire.Message) bool {
	payload, err := wire.Encode(message)
	if err != nil {
		l.logger.Error("encode live message failed", zap.String("type", string(message.Kind())), zap.Error(err))
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outgoing == nil {
		return false
	}
	select {
	case l.outgoing <- payload:
		return true
	default:
		return false
	}
}
