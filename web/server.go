// Package web serves the federation endpoints, the RSS feed and the
// metrics of a tusk instance.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/social"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxActivitySize   = 1 << 20
	collectionPage    = db.DefaultPageSize
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Inbox takes verified activities for asynchronous handling.
type Inbox interface {
	EnqueueInbound(ctx context.Context, body []byte) (uuid.UUID, error)
}

type Server struct {
	conf     *util.AppConfig
	service  *social.Service
	keys     activitypub.KeyLookup
	inbox    Inbox
	urls     activitypub.URLs
	gatherer prometheus.Gatherer
	metrics  *activitypub.Metrics
	log      *zap.Logger
}

// NewServer wires the HTTP surface. keys resolves the signing keys of
// inbound requests, gatherer backs /metrics and may be nil.
func NewServer(conf *util.AppConfig, service *social.Service, keys activitypub.KeyLookup, inbox Inbox, gatherer prometheus.Gatherer, metrics *activitypub.Metrics, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		conf:     conf,
		service:  service,
		keys:     keys,
		inbox:    inbox,
		urls:     activitypub.URLs{Domain: conf.Conf.SslDomain},
		gatherer: gatherer,
		metrics:  metrics,
		log:      util.OrNop(logger).Named("web"),
	}
}

// Handler builds the router. Every call gets fresh rate limiters.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	_ = g.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	g.Use(gin.Recovery(), LoggerMiddleware(s.log), gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	g.GET("/feed", s.handleFeed)
	g.GET("/feed/:id", s.handleFeedItem)
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	ap := g.Group("", RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10)))
	ap.GET("/.well-known/webfinger", s.handleWebfinger)
	ap.GET("/users/:name", s.handleActor)
	ap.GET("/users/:name/followers", s.handleFollowers)
	ap.GET("/users/:name/following", s.handleFollowing)
	ap.GET("/users/:name/outbox", s.handleOutbox)
	ap.GET("/notes/:id", s.handleNote)
	ap.POST("/users/:name/inbox", MaxBytesMiddleware(maxActivitySize), s.handleInbox)
	ap.POST("/inbox", MaxBytesMiddleware(maxActivitySize), s.handleInbox)

	return g
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Listening", zap.String("addr", addr), zap.String("domain", s.urls.Domain))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("Stopped")
	return nil
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func notFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
