package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/moqbridge/internal/confload"
	"github.com/opd-ai/moqbridge/serve"
	"github.com/opd-ai/moqbridge/transport"
)

// ServerConfig configures a relay server.
type ServerConfig struct {
	// Listen is the TCP address to accept peers on.
	Listen string
	// PrivateKey is the hex encoded static identity. Empty generates one.
	PrivateKey string
	// HandshakeTimeout bounds the handshake of each accepted connection.
	HandshakeTimeout time.Duration
	// MetricsListen serves /metrics over HTTP when set.
	MetricsListen string
}

// DefaultServerConfig returns the defaults applied by LoadServerConfig.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:           ":" + transport.DefaultPort,
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
	}
}

type serverFile struct {
	Listen           *string `toml:"listen" yaml:"listen"`
	PrivateKey       *string `toml:"private_key" yaml:"private_key"`
	HandshakeTimeout *string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	MetricsListen    *string `toml:"metrics_listen" yaml:"metrics_listen"`
}

// LoadServerConfig reads a TOML or YAML file over DefaultServerConfig.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	if err := confload.Decode(path, &raw); err != nil {
		return ServerConfig{}, err
	}
	if raw.Listen != nil {
		cfg.Listen = *raw.Listen
	}
	if raw.PrivateKey != nil {
		cfg.PrivateKey = *raw.PrivateKey
	}
	if raw.MetricsListen != nil {
		cfg.MetricsListen = *raw.MetricsListen
	}
	d, err := confload.Duration("handshake_timeout", raw.HandshakeTimeout, cfg.HandshakeTimeout)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.HandshakeTimeout = d
	return cfg, nil
}

type serverMetrics struct {
	peers         prometheus.Gauge
	handshakes    *prometheus.CounterVec
	announces     prometheus.Counter
	subscriptions *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moqrelay_peers",
			Help: "Connected peers.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_handshakes_total",
			Help: "Accepted connections by handshake result.",
		}, []string{"result"}),
		announces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moqrelay_announces_total",
			Help: "Namespaces announced by peers.",
		}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqrelay_subscriptions_total",
			Help: "Subscription requests by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.peers, m.handshakes, m.announces, m.subscriptions)
	return m
}

// Server accepts transport peers and routes their announcements and
// subscriptions through a Router.
type Server struct {
	cfg     ServerConfig
	router  *Router
	kp      *transport.Keypair
	reg     *prometheus.Registry
	metrics *serverMetrics

	mu     sync.Mutex
	peers  map[*transport.Peer]struct{}
	cancel context.CancelFunc
	closed bool
}

// NewServer creates a server that routes through router.
func NewServer(cfg ServerConfig, router *Router) (*Server, error) {
	var (
		kp  *transport.Keypair
		err error
	)
	if cfg.PrivateKey != "" {
		kp, err = transport.ParseKeypair(cfg.PrivateKey)
	} else {
		kp, err = transport.GenerateKeypair()
	}
	if err != nil {
		return nil, fmt.Errorf("relay identity: %w", err)
	}

	reg := prometheus.NewRegistry()
	return &Server{
		cfg:     cfg,
		router:  router,
		kp:      kp,
		reg:     reg,
		metrics: newServerMetrics(reg),
		peers:   make(map[*transport.Peer]struct{}),
	}, nil
}

// PublicKey returns the static key clients can pin with
// transport.Dialer.ServerKey.
func (s *Server) PublicKey() []byte {
	return append([]byte(nil), s.kp.Public[:]...)
}

// Router returns the routing table.
func (s *Server) Router() *Router { return s.router }

// Registry returns the metrics registry of the server.
func (s *Server) Registry() *prometheus.Registry { return s.reg }

// ListenAndServe listens on cfg.Listen, and on cfg.MetricsListen when set,
// until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.MetricsListen == "" {
		return s.Serve(ctx, ln)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: s.cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	g.Go(func() error {
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return hs.Close()
	})
	return g.Wait()
}

// Serve accepts peers from ln until ctx is done or Close is called. It
// closes ln and every peer before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return transport.ErrClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Server.Serve",
		"addr":       ln.Addr().String(),
		"public_key": s.kp.PublicHex(),
	}).Info("Relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				s.handleConn(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Close stops Serve and disconnects every peer.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	peers := make([]*transport.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	for _, p := range peers {
		err = multierr.Append(err, p.Close())
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	h := &serverHandler{s: s}
	p, err := transport.Accept(ctx, conn, s.kp, h, s.cfg.HandshakeTimeout)
	if err != nil {
		s.metrics.handshakes.WithLabelValues("failed").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleConn",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Rejected connection")
		_ = conn.Close()
		return
	}
	s.metrics.handshakes.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.metrics.peers.Inc()

	log := logrus.WithFields(logrus.Fields{
		"function": "Server.handleConn",
		"peer":     p.ID(),
		"remote":   conn.RemoteAddr().String(),
	})
	log.Info("Peer connected")

	select {
	case <-ctx.Done():
		_ = p.Close()
	case <-p.Done():
	}

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	s.metrics.peers.Dec()

	if err := p.Err(); err != nil {
		log.WithField("error", err.Error()).Info("Peer disconnected")
	} else {
		log.Info("Peer disconnected")
	}
}

type serverHandler struct {
	s *Server
}

func (h *serverHandler) Announced(src *transport.RemoteNamespace) (func(), error) {
	release, err := h.s.router.Register(src)
	if err != nil {
		return nil, err
	}
	h.s.metrics.announces.Inc()
	return release, nil
}

func (h *serverHandler) Subscribe(ctx context.Context, namespace, name string) (*serve.TrackReader, error) {
	tr, err := h.s.router.Subscribe(ctx, namespace, name)
	if err != nil {
		h.s.metrics.subscriptions.WithLabelValues("rejected").Inc()
		return nil, err
	}
	h.s.metrics.subscriptions.WithLabelValues("ok").Inc()
	return tr, nil
}

func (h *serverHandler) WatchAnnounces(ctx context.Context, fn func(namespace string)) error {
	return h.s.router.Watch(ctx, fn)
}
