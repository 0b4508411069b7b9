// Package server exposes the webhook and admin HTTP surface. Webhook handlers
// normalize the channel payload, resolve the tenant, acknowledge immediately,
// and run the pipeline in the background; channels time out and redeliver on
// slow responses, so the ack never waits for transcription, retrieval, or
// generation. Malformed payloads and unknown tenants also acknowledge with
// 2xx so channels do not retry them.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veridata/veribot"
	"github.com/veridata/veribot/channels/chatwoot"
	"github.com/veridata/veribot/channels/evolution"
	"github.com/veridata/veribot/channels/telegram"
	"github.com/veridata/veribot/ingest"
)

const maxBodyBytes = 20 << 20

// processTimeout bounds one event's pipeline run after the webhook has been
// acknowledged.
const processTimeout = 2 * time.Minute

// Server wires webhook routes to the orchestrator and admin routes to the
// document store.
type Server struct {
	orch    *veribot.Orchestrator
	engine  *veribot.Engine
	tenants veribot.TenantRegistry
	docs    veribot.DocumentStore
	logger  *slog.Logger
	client  *http.Client

	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHTTPClient replaces the client used for attachment downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// New creates a Server.
func New(orch *veribot.Orchestrator, engine *veribot.Engine, tenants veribot.TenantRegistry, docs veribot.DocumentStore, opts ...Option) *Server {
	s := &Server{
		orch:    orch,
		engine:  engine,
		tenants: tenants,
		docs:    docs,
		logger:  slog.Default(),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhook/evolution", s.handleEvolution)
	r.POST("/webhook/telegram/:token", s.handleTelegram)
	r.POST("/webhook/chatwoot/:slug", s.handleChatwoot)

	admin := r.Group("/tenants/:tenant_id")
	admin.POST("/documents", s.handleUploadDocument)
	admin.GET("/documents", s.handleListDocuments)
	admin.DELETE("/documents/:filename", s.handleDeleteDocument)

	return r
}

func (s *Server) handleEvolution(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unreadable body"})
		return
	}
	ev, err := evolution.ParseWebhook(body)
	if err != nil {
		s.respondParse(c, err)
		return
	}
	s.dispatch(c, ev)
}

func (s *Server) handleTelegram(c *gin.Context) {
	token := c.Param("token")
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unreadable body"})
		return
	}
	ev, err := telegram.ParseWebhook(token, body)
	if err != nil {
		s.respondParse(c, err)
		return
	}
	// Voice messages arrive as a file id; fetch the bytes before dispatch.
	for i, a := range ev.Attachments {
		if a.FileType == "audio" && len(a.Data) == 0 && a.URL != "" {
			data, err := telegram.FetchVoice(c.Request.Context(), s.client, token, a.URL)
			if err != nil {
				s.logger.Warn("voice download failed", "error", err)
				continue
			}
			ev.Attachments[i].Data = data
		}
	}
	s.dispatch(c, ev)
}

func (s *Server) handleChatwoot(c *gin.Context) {
	slug := c.Param("slug")
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unreadable body"})
		return
	}
	ev, err := chatwoot.ParseWebhook(slug, body)
	if err != nil {
		s.respondParse(c, err)
		return
	}
	// Chatwoot hosts attachments behind public URLs.
	for i, a := range ev.Attachments {
		if a.FileType == "audio" && len(a.Data) == 0 && a.URL != "" {
			data, err := s.fetchURL(c.Request.Context(), a.URL)
			if err != nil {
				s.logger.Warn("attachment download failed", "url", a.URL, "error", err)
				continue
			}
			ev.Attachments[i].Data = data
		}
	}
	s.dispatch(c, ev)
}

// dispatch resolves the tenant, acknowledges the webhook, and hands the event
// to the orchestrator in the background. Resolution stays synchronous so
// events for unknown tenants are acked as ignored without spawning work; once
// accepted, outcomes only surface in the logs.
func (s *Server) dispatch(c *gin.Context, ev veribot.InboundEvent) {
	if _, err := s.tenants.ResolveTenant(c.Request.Context(), ev.Channel, ev.TenantKey); err != nil {
		if veribot.Ignorable(err) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": err.Error()})
			return
		}
		s.logger.Error("tenant resolution failed", "channel", ev.Channel, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The request context dies when the ack is written; the pipeline keeps its
	// values (trace span) but gets its own deadline.
	ctx := context.WithoutCancel(c.Request.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("event handling panicked", "channel", ev.Channel, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, processTimeout)
		defer cancel()
		switch err := s.orch.HandleEvent(ctx, ev); {
		case err == nil:
		case veribot.Ignorable(err):
			s.logger.Debug("event ignored", "channel", ev.Channel, "reason", err)
		default:
			s.logger.Error("event handling failed", "channel", ev.Channel, "error", err)
		}
	}()
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// respondParse acknowledges malformed or irrelevant payloads with 2xx so the
// channel does not retry them.
func (s *Server) respondParse(c *gin.Context, err error) {
	if veribot.Ignorable(err) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": err.Error()})
		return
	}
	s.logger.Warn("webhook parse failed", "error", err)
	c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unparseable payload"})
}

// handleUploadDocument ingests a multipart file into the tenant's knowledge
// base. Images are described by the vision step; everything else goes through
// the format extractors.
func (s *Server) handleUploadDocument(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	ctx := c.Request.Context()
	mime := fh.Header.Get("Content-Type")
	if isImage(mime) {
		cfg, err := s.tenants.Config(ctx, tenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.engine.IngestImage(ctx, tenantID, cfg, fh.Filename, content, mime); err != nil {
			s.logger.Error("image ingest failed", "tenant_id", tenantID, "filename", fh.Filename, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"filename": fh.Filename})
		return
	}

	text, err := ingest.ForFilename(fh.Filename).Extract(content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.IngestDocument(ctx, tenantID, fh.Filename, text); err != nil {
		s.logger.Error("document ingest failed", "tenant_id", tenantID, "filename", fh.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"filename": fh.Filename})
}

func (s *Server) handleListDocuments(c *gin.Context) {
	files, err := s.docs.ListDocuments(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": files})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	err := s.docs.DeleteDocument(c.Request.Context(), c.Param("tenant_id"), c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
}

func isImage(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return true
	}
	return false
}
