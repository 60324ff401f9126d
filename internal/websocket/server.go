package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"cryptoterm/internal/aggregation"
	"cryptoterm/internal/config"
	"cryptoterm/internal/exchange"
	"cryptoterm/internal/kernel"
	"cryptoterm/internal/orderbook"
	"cryptoterm/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
	cacheTimeout = time.Second
)

// MetricsSink receives every computed summary. The redis cache implements it.
type MetricsSink interface {
	SetLatest(ctx context.Context, exchange, symbol string, result types.AggregationResult) error
}

// Feed pairs an exchange adapter with the book it maintains
type Feed struct {
	Exchange exchange.Exchange
	Book     *orderbook.OrderBook
}

type feed struct {
	name   string
	symbol string
	ex     exchange.Exchange
	book   *orderbook.OrderBook
}

// Options configures a Server
type Options struct {
	Config      config.ServerConfig
	DefaultTick types.TickLevel
	Kernel      *kernel.Kernel
	Sink        MetricsSink
	Registry    *prometheus.Registry
	Logger      *zap.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server pushes book ladders, kernel metrics and trades to websocket
// clients and serves the HTTP API next to them.
type Server struct {
	feeds    []*feed
	cfg      config.ServerConfig
	kernel   *kernel.Kernel
	sink     MetricsSink
	registry *prometheus.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	clients    map[string]*client
	clientsMux sync.RWMutex

	aggregator *aggregation.Aggregator
	tickMux    sync.RWMutex

	connected prometheus.Gauge
	sent      *prometheus.CounterVec
}

// NewServer builds the router and registers the server's collectors
func NewServer(feeds []Feed, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Kernel == nil {
		opts.Kernel = kernel.New(kernel.Options{})
	}
	if opts.DefaultTick == 0 {
		opts.DefaultTick = types.Tick1
	}

	s := &Server{
		cfg:        opts.Config,
		kernel:     opts.Kernel,
		sink:       opts.Sink,
		registry:   opts.Registry,
		logger:     opts.Logger.Named("server"),
		clients:    make(map[string]*client),
		aggregator: aggregation.New(opts.DefaultTick),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoterm_ws_clients",
			Help: "Connected websocket clients.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoterm_ws_messages_total",
			Help: "Messages queued to websocket clients by type.",
		}, []string{"type"}),
	}
	s.registry.MustRegister(s.connected, s.sent)

	for _, f := range feeds {
		s.feeds = append(s.feeds, &feed{
			name:   string(f.Exchange.GetName()),
			symbol: f.Exchange.GetSymbol(),
			ex:     f.Exchange,
			book:   f.Book,
		})
	}
	sort.Slice(s.feeds, func(i, j int) bool {
		if s.feeds[i].name != s.feeds[j].name {
			return s.feeds[i].name < s.feeds[j].name
		}
		return s.feeds[i].symbol < s.feeds[j].symbol
	})

	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/aggregate", s.handleAggregate).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.cfg.WasmDir != "" {
		r.PathPrefix("/wasm/").Handler(http.StripPrefix("/wasm/", http.FileServer(http.Dir(s.cfg.WasmDir))))
	}
	return r
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientQueue),
	}

	s.tickMux.RLock()
	tick := s.aggregator.GetTickLevel()
	s.tickMux.RUnlock()
	s.enqueue(c, MessageTypeHello, HelloMessage{
		Type:     MessageTypeHello,
		ClientID: c.id,
		Backend:  s.kernel.BackendName(),
		Tick:     float64(tick),
	})

	s.clientsMux.Lock()
	s.clients[c.id] = c
	s.clientsMux.Unlock()
	s.connected.Inc()

	logger := s.logger.With(zap.String("client", c.id))
	logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	go s.writePump(c)
	defer func() {
		s.removeClient(c)
		logger.Info("client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			logger.Debug("unparsable client message", zap.Error(err))
			continue
		}
		s.handleClientMessage(logger, clientMsg)
	}
}

func (s *Server) handleClientMessage(logger *zap.Logger, msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		s.setTickLevel(logger, msg.Tick)
	case "next_tick":
		s.setTickLevel(logger, float64(types.GetNextTickLevel(s.TickLevel())))
	case "prev_tick":
		s.setTickLevel(logger, float64(types.GetPreviousTickLevel(s.TickLevel())))
	default:
		logger.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

func (s *Server) setTickLevel(logger *zap.Logger, tick float64) {
	tickLevel := types.TickLevel(tick)
	if !types.ValidTickLevel(tickLevel) {
		logger.Warn("invalid tick level", zap.Float64("tick", tick))
		return
	}

	s.tickMux.Lock()
	s.aggregator.SetTickLevel(tickLevel)
	s.tickMux.Unlock()

	logger.Info("tick level changed", zap.Float64("tick", tick))
}

// TickLevel returns the ladder bucket size currently pushed to clients
func (s *Server) TickLevel() types.TickLevel {
	s.tickMux.RLock()
	defer s.tickMux.RUnlock()
	return s.aggregator.GetTickLevel()
}

func (s *Server) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			// drain until removeClient closes the queue
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func (s *Server) removeClient(c *client) {
	s.clientsMux.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.clientsMux.Unlock()

	if ok {
		close(c.send)
		s.connected.Dec()
	}
}

func (s *Server) closeClients() {
	s.clientsMux.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

// enqueue queues msg for one client and reports whether it was accepted
func (s *Server) enqueue(c *client, kind MessageType, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal message", zap.String("type", string(kind)), zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		s.sent.WithLabelValues(string(kind)).Inc()
		return true
	default:
		return false
	}
}

// broadcast queues msg for every client. Clients whose queue is full are
// dropped.
func (s *Server) broadcast(kind MessageType, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal message", zap.String("type", string(kind)), zap.Error(err))
		return
	}

	var slow []*client
	s.clientsMux.RLock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
			s.sent.WithLabelValues(string(kind)).Inc()
		default:
			slow = append(slow, c)
		}
	}
	s.clientsMux.RUnlock()

	for _, c := range slow {
		s.logger.Warn("dropping slow client", zap.String("client", c.id))
		s.removeClient(c)
	}
}

// PublishTrade forwards a decoded trade to every client
func (s *Server) PublishTrade(exchangeName string, trade *types.DecodedTrade) {
	if trade == nil || s.ClientCount() == 0 {
		return
	}
	s.broadcast(MessageTypeTrade, TradeMessage{
		Type:     MessageTypeTrade,
		Exchange: exchangeName,
		Trade:    trade,
	})
}

func (s *Server) startDataPush(ctx context.Context) {
	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.push(ctx)
		}
	}
}

// push computes metrics for every initialized book, stores them in the sink
// and, when anyone is listening, broadcasts ladders and metrics.
func (s *Server) push(ctx context.Context) {
	hasClients := s.ClientCount() > 0
	timestamp := time.Now().UnixMilli()

	for _, f := range s.feeds {
		if !f.book.IsInitialized() {
			continue
		}

		bids, asks := f.book.Sides(s.kernel.LevelCap())
		result := s.kernel.Compute(bids, asks)

		if s.sink != nil {
			cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
			if err := s.sink.SetLatest(cctx, f.name, f.symbol, result); err != nil {
				s.logger.Debug("metrics sink write failed", zap.String("exchange", f.name), zap.Error(err))
			}
			cancel()
		}

		if !hasClients {
			continue
		}
		s.broadcast(MessageTypeOrderbook, s.buildOrderbookMessage(f, timestamp))
		s.broadcast(MessageTypeMetrics, s.buildMetricsMessage(f, result, f.book.GetStats(), timestamp))
	}
}

func sortBestFirst(bids, asks []types.PriceLevel) {
	sort.Slice(bids, func(i, j int) bool {
		return bids[i].Price.GreaterThan(bids[j].Price)
	})
	sort.Slice(asks, func(i, j int) bool {
		return asks[i].Price.LessThan(asks[j].Price)
	})
}
