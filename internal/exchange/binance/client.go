package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cryptoterm/internal/exchange"
	"cryptoterm/internal/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultBufferSize = 1000

// market describes the endpoints of one Binance product line
type market struct {
	name        exchange.ExchangeName
	wsBase      string
	restBase    string
	tradeStream string
	limit       int
}

var (
	spotMarket = market{
		name:        exchange.Binance,
		wsBase:      "wss://stream.binance.com:9443/stream",
		restBase:    "https://api.binance.com/api/v3/depth",
		tradeStream: "trade",
		limit:       5000,
	}
	futuresMarket = market{
		name:        exchange.Binancef,
		wsBase:      "wss://fstream.binance.com/stream",
		restBase:    "https://fapi.binance.com/fapi/v1/depth",
		tradeStream: "aggTrade",
		limit:       1000,
	}
)

// Client implements the Exchange interface over a Binance combined stream
// carrying depth and trade frames for one symbol.
type Client struct {
	market  market
	symbol  string
	wsURL   string
	restURL string
	decoder types.FrameDecoder
	logger  *zap.Logger
	http    *http.Client

	mu         sync.Mutex
	wsConn     *websocket.Conn
	updateChan chan *exchange.DepthUpdate
	tradeChan  chan *types.DecodedTrade
	done       chan struct{}
	closeOnce  sync.Once
	healthMu   sync.Mutex
	health     atomic.Value // stores exchange.HealthStatus
}

// NewSpotExchange creates a new Binance Spot exchange instance
func NewSpotExchange(config Config) *Client {
	return newClient(spotMarket, config)
}

// NewFuturesExchange creates a new Binance USD-M futures exchange instance
func NewFuturesExchange(config Config) *Client {
	return newClient(futuresMarket, config)
}

func newClient(m market, config Config) *Client {
	lower := strings.ToLower(config.Symbol)
	upper := strings.ToUpper(config.Symbol)

	wsBase := m.wsBase
	if config.WSURL != "" {
		wsBase = config.WSURL
	}
	restBase := m.restBase
	if config.RestURL != "" {
		restBase = config.RestURL
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := config.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	ex := &Client{
		market:     m,
		symbol:     upper,
		wsURL:      fmt.Sprintf("%s?streams=%s@depth@100ms/%s@%s", wsBase, lower, lower, m.tradeStream),
		restURL:    fmt.Sprintf("%s?symbol=%s&limit=%d", restBase, upper, m.limit),
		decoder:    config.Decoder,
		logger:     logger.With(zap.String("exchange", string(m.name)), zap.String("symbol", upper)),
		http:       &http.Client{Timeout: 10 * time.Second},
		updateChan: make(chan *exchange.DepthUpdate, size),
		tradeChan:  make(chan *types.DecodedTrade, size),
		done:       make(chan struct{}),
	}
	ex.health.Store(exchange.HealthStatus{})
	return ex
}

// GetName returns the exchange name
func (e *Client) GetName() exchange.ExchangeName {
	return e.market.name
}

// GetSymbol returns the trading symbol
func (e *Client) GetSymbol() string {
	return e.symbol
}

// Connect dials the combined stream and starts the read loop
func (e *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		e.incrementErrorCount()
		return fmt.Errorf("websocket connection failed: %w", err)
	}

	e.mu.Lock()
	e.wsConn = conn
	e.mu.Unlock()
	e.updateConnectionStatus(true)
	e.logger.Info("websocket connected")

	go e.readMessages(ctx, conn)
	return nil
}

// Close closes the WebSocket connection
func (e *Client) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		conn := e.wsConn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			e.logger.Debug("close frame not sent", zap.Error(werr))
		}
		e.updateConnectionStatus(false)
		err = conn.Close()
	})
	return err
}

// GetSnapshot fetches the initial orderbook snapshot via REST API
func (e *Client) GetSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	e.logger.Debug("fetching orderbook snapshot")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.restURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to get snapshot: status %d", resp.StatusCode)
	}

	var snapshot SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return &exchange.Snapshot{
		Exchange:     e.GetName(),
		Symbol:       e.symbol,
		LastUpdateID: snapshot.LastUpdateID,
		Bids:         convertLevels(snapshot.Bids),
		Asks:         convertLevels(snapshot.Asks),
		Timestamp:    time.Now(),
	}, nil
}

// Updates returns a channel that receives depth updates
func (e *Client) Updates() <-chan *exchange.DepthUpdate {
	return e.updateChan
}

// Trades returns a channel that receives decoded trade frames
func (e *Client) Trades() <-chan *types.DecodedTrade {
	return e.tradeChan
}

// IsConnected checks if the WebSocket connection is active
func (e *Client) IsConnected() bool {
	return e.Health().Connected
}

// Health returns connection health information
func (e *Client) Health() exchange.HealthStatus {
	if status, ok := e.health.Load().(exchange.HealthStatus); ok {
		return status
	}
	return exchange.HealthStatus{}
}

// readMessages routes combined-stream frames until the connection drops
func (e *Client) readMessages(ctx context.Context, conn *websocket.Conn) {
	defer close(e.updateChan)
	defer close(e.tradeChan)
	defer e.updateConnectionStatus(false)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-e.done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
			case <-ctx.Done():
			default:
				e.incrementErrorCount()
				e.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		e.incrementMessageCount()
		e.updateLastPing()
		e.route(raw)
	}
}

// route dispatches one frame by its stream name
func (e *Client) route(raw []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.incrementErrorCount()
		e.logger.Debug("unparsable frame", zap.Error(err))
		return
	}

	if strings.Contains(msg.Stream, "@depth") {
		var update DepthUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			e.incrementErrorCount()
			e.logger.Debug("unparsable depth update", zap.Error(err))
			return
		}
		select {
		case e.updateChan <- e.convertDepthUpdate(&update):
		default:
			e.logger.Warn("update channel full, skipping update")
		}
		return
	}

	if e.decoder == nil {
		return
	}
	trade := e.decoder.Decode(msg.Data)
	if trade == nil {
		return
	}
	e.incrementTradeCount()
	select {
	case e.tradeChan <- trade:
	default:
	}
}

func convertLevels(levels [][]string) []exchange.PriceLevel {
	out := make([]exchange.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if len(l) < 2 {
			continue
		}
		out = append(out, exchange.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	return out
}

// convertDepthUpdate converts Binance depth update to canonical format
func (e *Client) convertDepthUpdate(update *DepthUpdate) *exchange.DepthUpdate {
	return &exchange.DepthUpdate{
		Exchange:      e.GetName(),
		Symbol:        update.Symbol,
		EventTime:     time.UnixMilli(update.EventTime),
		FirstUpdateID: update.FirstUpdateID,
		FinalUpdateID: update.FinalUpdateID,
		PrevUpdateID:  update.PrevUpdateID,
		Bids:          convertLevels(update.Bids),
		Asks:          convertLevels(update.Asks),
	}
}

func (e *Client) mutateHealth(fn func(*exchange.HealthStatus)) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	status := e.Health()
	fn(&status)
	e.health.Store(status)
}

func (e *Client) updateConnectionStatus(connected bool) {
	e.mutateHealth(func(s *exchange.HealthStatus) {
		s.Connected = connected
		if !connected {
			now := time.Now()
			s.ReconnectTime = &now
		}
	})
}

func (e *Client) incrementMessageCount() {
	e.mutateHealth(func(s *exchange.HealthStatus) { s.MessageCount++ })
}

func (e *Client) incrementTradeCount() {
	e.mutateHealth(func(s *exchange.HealthStatus) { s.TradeCount++ })
}

func (e *Client) incrementErrorCount() {
	e.mutateHealth(func(s *exchange.HealthStatus) { s.ErrorCount++ })
}

func (e *Client) updateLastPing() {
	e.mutateHealth(func(s *exchange.HealthStatus) { s.LastPing = time.Now() })
}
