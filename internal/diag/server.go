// Package diag exposes the on-board diagnostic surface: health, metrics
// and a read-only runtime snapshot. It is meant for the bench and the
// integration harness, not for the flight link.
package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/command"
	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/mission"
	"github.com/meridian-sat/obc/internal/observability"
)

// Sources are the live views the snapshot endpoint reads. All of them are
// concurrency-safe on their own; the server never locks across them.
type Sources struct {
	Machine *mission.Machine
	Monitor *link.Monitor
	Arbiter *command.Arbiter
	Queue   *command.Queue
	// Contact reports when the current ground contact began; nil or a
	// false second value means no station is connected.
	Contact func() (time.Time, bool)
}

type Server struct {
	addr    string
	router  *gin.Engine
	sources Sources
}

func New(addr string, sources Sources) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{addr: addr, router: r, sources: sources}
	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/v1/state", s.handleState)
	return s
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.addr).Msg("diag server listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func linkState(src Sources) gin.H {
	state := gin.H{
		"status":         src.Monitor.Status().String(),
		"last_heartbeat": src.Monitor.LastHeartbeat(),
		"connected":      false,
	}
	if src.Contact != nil {
		if at, ok := src.Contact(); ok {
			state["connected"] = true
			state["contact_established_at"] = at
		}
	}
	return state
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleState(c *gin.Context) {
	snap := s.sources.Machine.Snapshot()
	mode := s.sources.Arbiter.Mode()
	c.JSON(http.StatusOK, gin.H{
		"phase": gin.H{
			"state":      snap.State,
			"number":     snap.Phase,
			"subphase":   snap.Subphase,
			"entered_at": snap.EnteredAt,
		},
		"link": linkState(s.sources),
		"override": gin.H{
			"live":   mode.Live,
			"manual": mode.Manual,
			"owner":  mode.Owner().String(),
		},
		"queue_depth": s.sources.Queue.Len(),
	})
}
