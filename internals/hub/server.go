package hub

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/adityaadpandey/meshcall/internals/room"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"github.com/adityaadpandey/meshcall/internals/state"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server is the signaling hub: it owns the connection registry, room
// membership and presenter state, and relays negotiation messages between
// peers. It never touches media.
type Server struct {
	config *config.Config
	logger *zap.Logger

	clients *signaling.Hub
	store   room.Store
	locks   *room.Locker
	pubsub  *signaling.PubSubManager
	redis   *redis.Client
	shared  *state.RedisStore

	instanceID string
	router     chi.Router
	httpServer *http.Server

	rateLimiters   map[domain.PeerID]*clientLimiters
	rateLimitersMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

const defaultMemberTTL = 15 * time.Second

type Option func(*Server)

// WithRedis shares membership and relays through the given client instead of
// dialing cfg.Redis.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		logger:       zap.NewNop(),
		locks:        room.NewLocker(),
		rateLimiters: make(map[domain.PeerID]*clientLimiters),
		instanceID:   instanceID(cfg),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clients = signaling.NewHub(cfg.Signaling.HubPingInterval, s.logger.Named("registry"))

	var redisStore *state.RedisStore
	if s.redis != nil {
		redisStore = state.NewRedisStoreFromClient(s.redis, s.logger.Named("state"))
	} else if cfg.Redis.Enabled {
		rs, err := state.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, s.logger.Named("state"))
		if err != nil {
			s.logger.Warn("Redis connection failed, running single instance", zap.Error(err))
		} else {
			redisStore = rs
			s.redis = rs.Client()
		}
	}

	if redisStore != nil {
		ttl := cfg.Redis.MemberTTL
		if ttl <= 0 {
			ttl = defaultMemberTTL
		}
		s.shared = redisStore.WithInstance(s.instanceID, ttl)
		if err := s.shared.Heartbeat(ctx); err != nil {
			s.logger.Warn("Initial heartbeat failed", zap.Error(err))
		}
		s.store = redisStore
		s.pubsub = signaling.NewPubSubManager(s.redis, s.clients, s.instanceID, s.logger.Named("pubsub"))
		go s.keepAlive(ctx, ttl/3)
	} else {
		s.store = room.NewMemoryStore()
	}

	s.router = s.routes()
	go s.clients.Run(ctx)

	return s, nil
}

func instanceID(cfg *config.Config) string {
	if cfg.Server.InstanceID != "" {
		return cfg.Server.InstanceID
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "unknown"
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(s.corsMiddleware)
		r.Get("/", s.listRooms)
		r.Get("/{name}", s.getRoom)
	})

	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting signaling hub",
		zap.String("addr", s.config.Server.Addr()),
		zap.String("instanceID", s.instanceID),
		zap.Int("roomCapacity", s.config.Room.Capacity),
	)

	s.httpServer = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop removes every local peer from its room before closing connections, so
// a shared store is left without members of this instance.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping signaling hub")
		for _, client := range s.clients.Clients() {
			s.leaveRoom(client)
		}
		s.cancel()

		if s.shared != nil {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := s.shared.Release(ctx); err != nil {
				s.logger.Warn("Failed to release instance heartbeat", zap.Error(err))
			}
			cancel()
		}
		if s.pubsub != nil {
			s.pubsub.Close()
		}
	})
}

// keepAlive refreshes this instance's heartbeat and prunes members of
// instances that stopped refreshing theirs.
func (s *Server) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.shared.Heartbeat(ctx); err != nil {
				s.logger.Warn("Heartbeat failed", zap.Error(err))
				continue
			}
			s.expireStaleMembers(ctx)
		}
	}
}

func (s *Server) expireStaleMembers(ctx context.Context) {
	names, err := s.shared.RoomNames(ctx)
	if err != nil {
		s.logger.Warn("Failed to list rooms for expiry", zap.Error(err))
		return
	}
	for _, name := range names {
		unlock := s.locks.Lock(name)
		expired, err := s.shared.ExpireRoom(ctx, name)
		if err == nil && len(expired.Peers) > 0 {
			s.announceExpired(name, expired.Peers, expired.WasPresenter, expired.Remaining)
		}
		unlock()
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiters holds one bucket for control messages and a separate one for
// offers, answers and candidates.
type clientLimiters struct {
	control *rate.Limiter
	relay   *rate.Limiter
}

func (s *Server) getClientRateLimiter(id domain.PeerID, relay bool) *rate.Limiter {
	s.rateLimitersMu.Lock()
	defer s.rateLimitersMu.Unlock()
	limiters, ok := s.rateLimiters[id]
	if !ok {
		sig := s.config.Signaling
		limiters = &clientLimiters{
			control: rate.NewLimiter(rate.Limit(sig.RateLimitPerSec), sig.RateLimitBurst),
			relay:   rate.NewLimiter(rate.Inf, 0),
		}
		if sig.RelayRateLimitPerSec > 0 {
			limiters.relay = rate.NewLimiter(rate.Limit(sig.RelayRateLimitPerSec), sig.RelayRateLimitBurst)
		}
		s.rateLimiters[id] = limiters
	}
	if relay {
		return limiters.relay
	}
	return limiters.control
}

func (s *Server) removeClientRateLimiter(id domain.PeerID) {
	s.rateLimitersMu.Lock()
	delete(s.rateLimiters, id)
	s.rateLimitersMu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.config.Server.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.config.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := signaling.NewClient(domain.NewPeerID(), conn, s.config.Signaling, s.logger)
	client.OnMessage = s.handleSignalingMessage
	client.OnDisconnect = s.handleClientDisconnect

	if !s.clients.RegisterClient(client) {
		conn.Close()
		return
	}
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()

	client.SendPayload(signaling.MessageTypeWelcome, signaling.WelcomePayload{
		PeerID:       client.ID,
		ICEServers:   s.config.WebRTC.ICEServers,
		RoomCapacity: s.config.Room.Capacity,
	})

	s.logger.Info("Peer connected", zap.String("peerID", client.ID.String()))

	go client.WritePump()
	go client.ReadPump()
}
