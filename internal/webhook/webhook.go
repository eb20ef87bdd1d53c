// Package webhook implements the C8 ingress endpoint: a single
// `POST /webhook` atop gin-gonic/gin (the teacher's HTTP framework
// throughout internal/api/handler.go), validating in the order spec.md
// §4.8 mandates -- schema, token auth, symbol syntactic check,
// idempotency, dispatcher -- before handing the parsed payload to the
// Dispatcher (C5). The middleware stack style is kept from
// internal/api/handler.go (gin.Recovery(), structured request logging)
// but its JWT/bcrypt session-auth middleware (internal/api/auth.go) is
// dropped per the spec's Non-goal: this endpoint authenticates with a
// single constant-time shared-token compare against
// Strategy.webhook_token instead of a login/session model.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signalrouter/internal/dispatcher"
	"signalrouter/internal/registry"
	"signalrouter/internal/store"
)

// Server wires the webhook endpoint around a Store, Dispatcher, and
// Registry, mirroring the field-bag shape of the teacher's api.Server
// without the pieces (Engine, KeyManager, UserBalances, JWTSecret) this
// endpoint doesn't need.
type Server struct {
	Router     *gin.Engine
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	dedup      Dedup
}

// SetDedup wires an idempotency-key guard (see dedup.go). Optional: a
// Server built without calling this defaults to NoopDedup, so the
// idempotency_key field is accepted but never actually deduplicated.
func (s *Server) SetDedup(d Dedup) {
	s.dedup = d
}

// NewServer builds the gin.Engine and registers the webhook route, using
// the same middleware ordering the teacher documents as significant
// ("order matters!") in internal/api/handler.go: recovery first, request
// ID, logging, then the route itself. Rate limiting and CORS are the
// teacher's browser-facing concerns and are not carried here -- this is a
// machine-to-machine ingress, not a UI backend.
func NewServer(st *store.Store, disp *dispatcher.Dispatcher, reg *registry.Registry) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(requestLogger())

	s := &Server{Router: r, store: st, dispatcher: disp, registry: reg, dedup: NoopDedup{}}
	r.POST("/webhook", s.handleWebhook)
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return s
}

// Start runs the HTTP server, blocking until it returns an error.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("📊 webhook %s %s -> %d (%s) [%s]",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start), c.GetString("RequestID"))
	}
}

// summaryResponse is the JSON body spec.md §7 requires on every webhook
// response, synchronous or not.
type summaryResponse struct {
	Accepted int             `json:"accepted"`
	Failed   int             `json:"failed"`
	Failures []failureDetail `json:"failures,omitempty"`
}

type failureDetail struct {
	AccountID     string `json:"account_id"`
	Reason        string `json:"reason"`
	ExchangeError string `json:"exchange_error,omitempty"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := c.GetRawData()
	if err != nil {
		s.reject(c, http.StatusBadRequest, string(raw), "read body: "+err.Error())
		return
	}

	var body wirePayload
	if err := json.Unmarshal(raw, &body); err != nil {
		s.reject(c, http.StatusBadRequest, string(raw), "malformed json: "+err.Error())
		return
	}
	if body.GroupName == "" || body.Token == "" {
		s.reject(c, http.StatusBadRequest, string(raw), "group_name and token required")
		return
	}
	if err := body.validate(); err != nil {
		s.reject(c, http.StatusBadRequest, string(raw), "schema: "+err.Error())
		return
	}

	strategy, err := s.store.GetStrategyByGroupName(ctx, body.GroupName)
	if err != nil {
		// A missing group_name is authenticated the same as a wrong
		// token: both return 401, so a caller cannot tell valid group
		// names from invalid ones by the status code.
		s.reject(c, http.StatusUnauthorized, string(raw), "unknown group_name or token")
		return
	}
	if subtle.ConstantTimeCompare([]byte(strategy.WebhookToken), []byte(body.Token)) != 1 {
		s.reject(c, http.StatusUnauthorized, string(raw), "token mismatch")
		return
	}
	if !strategy.IsActive {
		s.reject(c, http.StatusUnauthorized, string(raw), "strategy inactive")
		return
	}

	if err := s.checkSymbols(strategy, body); err != nil {
		s.reject(c, http.StatusBadRequest, string(raw), "symbol: "+err.Error())
		return
	}

	if body.IdempotencyKey != "" {
		firstSeen, err := s.dedup.CheckAndSet(ctx, strategy.GroupName+":"+body.IdempotencyKey)
		if err != nil {
			s.logAttempt(ctx, string(raw), "error", "dedup: "+err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dedup check failed"})
			return
		}
		if !firstSeen {
			s.reject(c, http.StatusConflict, string(raw), "duplicate idempotency_key")
			return
		}
	}

	payload := body.toPayload()
	summary, err := s.dispatcher.Dispatch(ctx, strategy, payload)
	if err != nil {
		s.logAttempt(ctx, string(raw), "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed", "message": err.Error()})
		return
	}

	resp := toSummaryResponse(summary)
	status := http.StatusOK
	if allQueued(summary) {
		status = http.StatusAccepted
	}
	s.logAttempt(ctx, string(raw), "ok", "")
	c.JSON(status, resp)
}

// checkSymbols runs the permissive structural check (C2's symbol_ok)
// against every sub-order's symbol before it reaches the dispatcher --
// spec.md §4.2's "registry is authoritative over the webhook layer's
// permissive check" means this gate rejects syntactic garbage early;
// per-exchange instrument-lookup rejection still happens downstream in
// the Sizer for symbols that pass here but aren't actually tradeable.
func (s *Server) checkSymbols(strategy store.Strategy, body wirePayload) error {
	check := func(symbol string) error {
		if symbol == "" {
			return errors.New("empty symbol")
		}
		if !registry.SymbolOk(symbol) {
			return errors.New("symbol " + symbol + " fails structural check")
		}
		if strategy.MarketType != store.MarketSecurities && !strings.Contains(symbol, "/") {
			return errors.New("crypto symbol " + symbol + " missing BASE/QUOTE separator")
		}
		return nil
	}

	if len(body.Orders) > 0 {
		for _, o := range body.Orders {
			symbol := o.Symbol
			if symbol == "" {
				symbol = body.Symbol
			}
			if err := check(symbol); err != nil {
				return err
			}
		}
		return nil
	}
	return check(body.Symbol)
}

func (s *Server) reject(c *gin.Context, status int, rawPayload, reason string) {
	s.logAttempt(c.Request.Context(), rawPayload, "rejected", reason)
	log.Printf("⚠️ webhook rejected (%d): %s", status, reason)
	c.JSON(status, gin.H{"error": reason})
}

func (s *Server) logAttempt(ctx context.Context, rawPayload, status, message string) {
	if err := s.store.LogWebhook(ctx, rawPayload, status, message); err != nil {
		log.Printf("❌ webhook: log_webhook failed: %v", err)
	}
}

func toSummaryResponse(summary dispatcher.Summary) summaryResponse {
	resp := summaryResponse{Accepted: summary.Successful, Failed: summary.Failed}
	for _, r := range summary.Results {
		if r.Error == nil {
			continue
		}
		resp.Failures = append(resp.Failures, failureDetail{
			AccountID: r.AccountID,
			Reason:    r.Error.Error(),
		})
	}
	return resp
}

// allQueued reports whether every result in the summary went through the
// slow path -- when true, the endpoint answers 202 per spec.md §4.8
// rather than 200, since nothing executed synchronously with this
// request.
func allQueued(summary dispatcher.Summary) bool {
	if summary.Total == 0 {
		return false
	}
	for _, r := range summary.Results {
		if !r.Queued {
			return false
		}
	}
	return true
}
