package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA + TRADE UPDATE STREAMS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two long-lived WebSocket connections: crypto quotes and order lifecycle
// events. Both reconnect with jittered exponential backoff and re-subscribe
// after every reconnect.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backoffBase  = time.Second
	backoffCap   = 30 * time.Second
	idleDeadline = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// nextBackoff returns a full-jitter delay for the given attempt.
func nextBackoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// runStream drives one connection lifecycle in a loop: dial, run the
// session until it errors, back off, repeat. A clean session resets the
// backoff counter.
func runStream(ctx context.Context, name, url string, session func(ctx context.Context, conn *websocket.Conn) error) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			delay := nextBackoff(attempt)
			attempt++
			log.Error().Err(err).Str("stream", name).Dur("retry_in", delay).Msg("Stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		log.Info().Str("stream", name).Msg("🔌 Stream connected")

		start := time.Now()
		err = session(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			attempt = 0
		}
		delay := nextBackoff(attempt)
		attempt++
		log.Warn().Err(err).Str("stream", name).Dur("retry_in", delay).Msg("Stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// readMessage reads one message with an idle deadline; pongs extend it.
func readMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(idleDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleDeadline))
	})
	_, data, err := conn.ReadMessage()
	return data, err
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// keepAlive pings the connection on a timer until the session ends. done is
// closed when the session's read loop returns, so the pinger dies with its
// own session instead of piling up across reconnects. On ctx cancellation it
// closes the connection to unblock the reader.
func keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(idleDeadline / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// QuoteStream delivers best bid/ask updates for the configured symbols.
type QuoteStream struct {
	url     string
	key     string
	secret  string
	symbols []string
	handler func(Quote)
}

func NewQuoteStream(url, key, secret string, symbols []string, handler func(Quote)) *QuoteStream {
	return &QuoteStream{url: url, key: key, secret: secret, symbols: symbols, handler: handler}
}

// Run blocks until ctx is canceled, reconnecting as needed.
func (s *QuoteStream) Run(ctx context.Context) {
	runStream(ctx, "quotes", s.url, s.session)
}

type dataMessage struct {
	Type      string    `json:"T"`
	Msg       string    `json:"msg"`
	Symbol    string    `json:"S"`
	BidPrice  string    `json:"bp"`
	AskPrice  string    `json:"ap"`
	Timestamp time.Time `json:"t"`
}

func (s *QuoteStream) session(ctx context.Context, conn *websocket.Conn) error {
	// Server greets first, then expects auth, then the subscription.
	if _, err := readMessage(conn); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if err := writeJSON(conn, map[string]string{
		"action": "auth", "key": s.key, "secret": s.secret,
	}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := writeJSON(conn, map[string]any{
		"action": "subscribe", "quotes": s.symbols,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Strs("symbols", s.symbols).Msg("📡 Quote subscription active")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		data, err := readMessage(conn)
		if err != nil {
			return err
		}
		var msgs []dataMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			continue
		}
		for _, m := range msgs {
			switch m.Type {
			case "q":
				bid, err1 := decimal.NewFromString(m.BidPrice)
				ask, err2 := decimal.NewFromString(m.AskPrice)
				if err1 != nil || err2 != nil {
					continue
				}
				s.handler(Quote{Symbol: m.Symbol, BidPrice: bid, AskPrice: ask, Timestamp: m.Timestamp})
			case "error":
				log.Error().Str("msg", m.Msg).Msg("Quote stream error message")
			}
		}
	}
}

// TradeStream delivers order lifecycle events for the account.
type TradeStream struct {
	url     string
	key     string
	secret  string
	handler func(TradeUpdate)
}

func NewTradeStream(url, key, secret string, handler func(TradeUpdate)) *TradeStream {
	return &TradeStream{url: url, key: key, secret: secret, handler: handler}
}

// Run blocks until ctx is canceled, reconnecting as needed.
func (s *TradeStream) Run(ctx context.Context) {
	runStream(ctx, "trade_updates", s.url, s.session)
}

type tradeEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string    `json:"event"`
		Timestamp time.Time `json:"timestamp"`
		Order     apiOrder  `json:"order"`
		Status    string    `json:"status"`
	} `json:"data"`
}

func (s *TradeStream) session(ctx context.Context, conn *websocket.Conn) error {
	if err := writeJSON(conn, map[string]any{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.key, "secret_key": s.secret},
	}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := writeJSON(conn, map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Msg("📡 Trade update subscription active")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		data, err := readMessage(conn)
		if err != nil {
			return err
		}
		var env tradeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Stream != "trade_updates" {
			continue
		}
		ts := env.Data.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		s.handler(TradeUpdate{
			Event:     env.Data.Event,
			Order:     toSnapshot(env.Data.Order),
			Timestamp: ts,
		})
	}
}
