// Package devserver is a local stand-in for the hosted backend: the REST
// query surface over the GORM store and a websocket change feed that
// broadcasts the row changes made through it.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/pinmap/locsync/internal/auth"
	gormstorage "github.com/pinmap/locsync/internal/storage/gorm"
	"github.com/pinmap/locsync/pkg/core"
)

const subjectKey = "subject"

// Dependencies holds the collaborators of a Server.
type Dependencies struct {
	Store  *gormstorage.Store
	Config Config
	Logger *slog.Logger
}

// Server serves the REST and realtime endpoints.
type Server struct {
	cfg      Config
	store    *gormstorage.Store
	db       *gorm.DB
	hub      *Hub
	engine   *gin.Engine
	upgrader ws.Upgrader
	log      *slog.Logger
}

// New creates a server. The store schema must already be migrated.
func New(deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("devserver: store is required")
	}
	if deps.Config.JWTSecret == "" {
		return nil, errors.New("devserver: jwt secret is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.TokenTTL <= 0 {
		deps.Config.TokenTTL = 24 * time.Hour
	}
	s := &Server{
		cfg:   deps.Config,
		store: deps.Store,
		db:    deps.Store.DB(),
		hub:   NewHub(deps.Logger),
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: deps.Logger.With("component", "devserver"),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "realtimeClients": s.hub.Len()})
	})
	r.GET("/realtime", s.handleRealtime)

	api := r.Group("/", s.authenticate())
	api.POST("/auth/v1/token", s.handleIssueToken)
	api.GET("/rest/v1/:table", s.handleSelect)
	api.POST("/rest/v1/:table", s.requireSubject, s.handleUpsert)
	api.DELETE("/rest/v1/:table", s.requireSubject, s.handleDelete)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Dev server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not closed by Shutdown.
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("Dev server stopped")
	return nil
}

// SeededUser is a demo account created by Seed.
type SeededUser struct {
	ID          string
	DisplayName string
	Token       string
}

// Seed creates one profile per name, befriends all of them with each other
// and issues an access token for each.
func (s *Server) Seed(ctx context.Context, names []string) ([]SeededUser, error) {
	var users []SeededUser
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		u := SeededUser{ID: uuid.NewString(), DisplayName: name}
		if err := s.store.SaveProfile(ctx, core.Profile{ID: core.PeerID(u.ID), DisplayName: name}); err != nil {
			return nil, fmt.Errorf("seed profile %s: %w", name, err)
		}
		token, err := auth.IssueToken(s.cfg.JWTSecret, u.ID, s.cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("issue token for %s: %w", name, err)
		}
		u.Token = token
		users = append(users, u)
	}
	for i := range users {
		for j := i + 1; j < len(users); j++ {
			if err := s.store.AddFriendship(ctx, core.PeerID(users[i].ID), core.PeerID(users[j].ID)); err != nil {
				return nil, fmt.Errorf("seed friendship: %w", err)
			}
		}
	}
	return users, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

// authenticate checks the api key and, when present, the bearer token. A
// request carrying the api key as its bearer is anonymous.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey != "" && c.GetHeader("apikey") != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid api key"})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" || token == s.cfg.APIKey {
			c.Next()
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func (s *Server) requireSubject(c *gin.Context) {
	if c.GetString(subjectKey) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "authentication required"})
		return
	}
	c.Next()
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if _, err := s.store.FetchProfile(c.Request.Context(), core.PeerID(req.UserID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown user"})
		return
	}
	token, err := auth.IssueToken(s.cfg.JWTSecret, req.UserID, s.cfg.TokenTTL)
	if err != nil {
		s.log.Error("Failed to issue token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer", "user_id": req.UserID})
}

func (s *Server) handleRealtime(c *gin.Context) {
	if s.cfg.APIKey != "" && c.GetHeader("apikey") != s.cfg.APIKey && c.Query("apikey") != s.cfg.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid api key"})
		return
	}
	claims, err := auth.ParseToken(s.cfg.JWTSecret, c.Query("token"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(conn, claims.Subject)
}
