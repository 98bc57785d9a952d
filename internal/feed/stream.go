// Package feed connects the engine to a market-data WebSocket stream and
// republishes ticks and indicator updates onto the event bus.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pump-trading-bot/internal/events"
)

// Reconnect policy
const (
	dialRetryDelay  = 5 * time.Second
	reconnectDelay  = 3 * time.Second
	writeDeadline   = 10 * time.Second
	pingInterval    = 30 * time.Second
	readLimitBytes  = 1 << 20
)

// tick is the upstream message shape: a price tick optionally carrying
// computed indicator values for the symbol
type tick struct {
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Volume     float64            `json:"volume,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Timestamp  int64              `json:"timestamp,omitempty"`
}

// subscribeMsg is the control frame sent to manage symbol subscriptions
type subscribeMsg struct {
	Op     string `json:"op"` // "subscribe" or "unsubscribe"
	Symbol string `json:"symbol"`
}

// MarketStream maintains one WebSocket connection to the market-data
// provider, resubscribes after reconnects, and publishes everything it
// receives onto the bus. It is the MarketAdapter the session layer
// multiplexes over.
type MarketStream struct {
	mu sync.RWMutex

	url           string
	bus           *events.Bus
	logger        zerolog.Logger
	conn          *websocket.Conn
	subscriptions map[string]bool
	isRunning     bool
	reconnects    int
	stopChan      chan struct{}
}

// NewMarketStream creates a stream for the given WebSocket endpoint
func NewMarketStream(url string, bus *events.Bus, logger zerolog.Logger) *MarketStream {
	return &MarketStream{
		url:           url,
		bus:           bus,
		logger:        logger.With().Str("component", "MarketStream").Logger(),
		subscriptions: make(map[string]bool),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the connection loop
func (s *MarketStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connectLoop()
	s.logger.Info().Str("url", s.url).Msg("Market stream started")
}

// Stop tears the connection down
func (s *MarketStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)

	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info().Msg("Market stream stopped")
}

// IsRunning reports whether the stream loop is active
func (s *MarketStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// SubscribeSymbol asks the provider for a symbol's ticks. The subscription
// is remembered and replayed after every reconnect.
func (s *MarketStream) SubscribeSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	s.subscriptions[symbol] = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Not connected yet; the subscription replays once the dial succeeds
		return nil
	}
	return s.send(conn, subscribeMsg{Op: "subscribe", Symbol: symbol})
}

// UnsubscribeSymbol drops a symbol subscription
func (s *MarketStream) UnsubscribeSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	delete(s.subscriptions, symbol)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.send(conn, subscribeMsg{Op: "unsubscribe", Symbol: symbol})
}

func (s *MarketStream) send(conn *websocket.Conn, msg subscribeMsg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *MarketStream) connectLoop() {
	for {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Warn().Err(err).
				Dur("retry_in", dialRetryDelay).
				Msg("Dial failed")
			select {
			case <-s.stopChan:
				return
			case <-time.After(dialRetryDelay):
			}
			continue
		}

		conn.SetReadLimit(readLimitBytes)
		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		resubscribe := make([]string, 0, len(s.subscriptions))
		for symbol := range s.subscriptions {
			resubscribe = append(resubscribe, symbol)
		}
		s.mu.Unlock()

		s.logger.Info().Int("symbols", len(resubscribe)).Msg("Connected, replaying subscriptions")
		for _, symbol := range resubscribe {
			if err := s.send(conn, subscribeMsg{Op: "subscribe", Symbol: symbol}); err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Resubscribe failed")
			}
		}

		s.readLoop(conn)

		s.mu.RLock()
		running = s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Warn().Dur("retry_in", reconnectDelay).Msg("Connection lost, reconnecting")
		select {
		case <-s.stopChan:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *MarketStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-s.stopChan:
				return
			case <-pinger.C:
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Read loop ended")
			return
		}
		s.handleMessage(payload)
	}
}

// handleMessage decodes a tick and republishes it: the price as a
// market.price_update, each attached indicator as indicator.updated
func (s *MarketStream) handleMessage(payload []byte) {
	var t tick
	if err := json.Unmarshal(payload, &t); err != nil {
		s.logger.Warn().Err(err).Msg("Unparseable message dropped")
		return
	}
	if t.Symbol == "" {
		return
	}

	if t.Price > 0 {
		data := map[string]interface{}{
			"symbol": t.Symbol,
			"price":  t.Price,
		}
		if t.Volume > 0 {
			data["volume"] = t.Volume
		}
		s.bus.Publish(events.Event{Topic: events.TopicPriceUpdate, Data: data})
	}

	for indicator, value := range t.Indicators {
		s.bus.PublishIndicatorUpdate(t.Symbol, indicator, value)
	}
}
