// Package metricsserver runs the operational HTTP listener: Prometheus
// exposition, a WebSocket stream of the JSON metrics snapshot, and pprof.
// It always runs on a separate port from the capture API (validated at
// config load time).
package metricsserver

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// SnapshotFunc returns the current metrics snapshot encoded as JSON.
type SnapshotFunc func() ([]byte, error)

// StreamInterval is how often the WebSocket stream pushes a snapshot.
const StreamInterval = time.Second

type Server struct {
	listen   string
	srv      *http.Server
	snapshot SnapshotFunc
	logger   *zap.Logger
}

// New builds the metrics server. promHandler serves GET /metrics in
// Prometheus exposition format; snapshot feeds GET /metrics/ws.
func New(listen string, promHandler http.Handler, snapshot SnapshotFunc, logger *zap.Logger) *Server {
	s := &Server{
		listen:   listen,
		snapshot: snapshot,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.HandleFunc("/metrics/ws", s.handleStream)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves in a background goroutine. Errors after startup are logged,
// not returned: losing the metrics listener must not take down capture.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics server listening", zap.String("listen", s.listen))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server stopped",
				zap.String("listen", s.listen),
				zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleStream upgrades to WebSocket and pushes one snapshot per
// StreamInterval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	s.logger.Debug("Metrics stream client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer conn.Close()

		ticker := time.NewTicker(StreamInterval)
		defer ticker.Stop()

		for {
			payload, err := s.snapshot()
			if err != nil {
				s.logger.Warn("Metrics snapshot failed", zap.Error(err))
				return
			}

			if err := wsutil.WriteServerText(conn, payload); err != nil {
				s.logger.Debug("Metrics stream client disconnected",
					zap.String("remote", r.RemoteAddr))
				return
			}

			<-ticker.C
		}
	}()
}
