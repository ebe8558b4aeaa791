package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/model"
)

const heartbeatInterval = 2500 * time.Millisecond

// Stream is the broker's user-event WebSocket: order status transitions and
// fills, as pushed on the single connection it dials to wsURL. It sends no
// authorization or subscription message after dialing — only a WebSocket
// ping every heartbeatInterval (2.5s). Reconnects with exponential
// backoff, the way the teacher's PolymarketFeed.connectionLoop does,
// generalized from a single fixed delay to a capped backoff since a
// production broker feed drops far more often under load than a single
// CLOB market stream.
type Stream struct {
	wsURL   string
	bus     *eventbus.Bus
	backoffBase time.Duration
	backoffCap  time.Duration

	mu      sync.RWMutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

func NewStream(wsURL string, bus *eventbus.Bus, backoffBase, backoffCap time.Duration) *Stream {
	return &Stream{
		wsURL:       wsURL,
		bus:         bus,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconnect loop in the background.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Str("url", s.wsURL).Msg("📡 broker stream started")
}

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Stream) connectionLoop() {
	backoff := s.backoffBase
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error().Err(err).Dur("retry_in", backoff).Msg("broker stream connect failed")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > s.backoffCap {
				backoff = s.backoffCap
			}
			continue
		}

		backoff = s.backoffBase
		s.readLoop()
		time.Sleep(backoff)
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Info().Msg("🔌 broker stream connected")
	go s.pingLoop(conn)
	return nil
}

func (s *Stream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			s.mu.RUnlock()
			if current != conn {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("broker stream read error, reconnecting")
			return
		}
		s.process(raw)
	}
}

type userEvent struct {
	Type      string `json:"type"` // "order" or "fill"
	OrderID   string `json:"orderId"`
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Tag       string `json:"tag"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Stream) process(raw []byte) {
	var evt userEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Warn().Err(err).Msg("broker stream: unparseable event")
		return
	}

	ts := time.Unix(evt.Timestamp, 0)
	if evt.Timestamp == 0 {
		ts = time.Now()
	}

	switch evt.Type {
	case "fill":
		price, _ := decimal.NewFromString(evt.Price)
		qty, _ := decimal.NewFromString(evt.Size)
		s.bus.Publish(eventbus.TopicOrderFilled, Fill{
			BrokerOrderID: evt.OrderID, AccountID: evt.AccountID, Ticker: evt.Symbol,
			Price: price, Qty: qty, TS: ts,
		})
		s.bus.Publish(eventbus.TopicOrderFilled, Order{
			BrokerOrderID: evt.OrderID, AccountID: evt.AccountID, Ticker: evt.Symbol,
			Action: model.Action(evt.Side), Tag: evt.Tag, Status: model.OrderFilled, UpdatedAt: ts,
		})
	case "order":
		status := model.NormalizeOrderStatus(evt.Status)
		topic := eventbus.TopicOrderPlaced
		if status.IsTerminal() {
			topic = eventbus.TopicOrderCanceled
			if status == model.OrderRejected {
				topic = eventbus.TopicOrderRejected
			}
		}
		s.bus.Publish(topic, Order{
			BrokerOrderID: evt.OrderID, AccountID: evt.AccountID, Ticker: evt.Symbol,
			Action: model.Action(evt.Side), Tag: evt.Tag, Status: status, UpdatedAt: ts,
		})
	default:
		log.Debug().Str("type", evt.Type).Msg("broker stream: unhandled event type")
	}
}
