package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"prism-board/domain"
)

const (
	maxBodySize          = 64 << 10
	idempotencyKeyHeader = "Idempotency-Key"
	defaultKeepAlive     = 25 * time.Second
)

var (
	errForbidden        = errors.New("workspace access denied")
	errInvalidWorkspace = errors.New("invalid workspace id")
	errInvalidCardID    = errors.New("invalid card id")
)

// Config wires the API dependencies. Deduper, Events and Hub are optional.
type Config struct {
	Store   Storage
	Auth    Authenticator
	Deduper Deduper
	Events  EventPublisher
	Hub     Subscriber
	Logger  *log.Logger

	// RateLimit is the sustained requests per second allowed per user.
	// Requests without a valid token share a per-IP budget. Zero disables
	// limiting.
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	KeepAlive      time.Duration
}

type handlers struct {
	store     Storage
	auth      Authenticator
	dedupe    Deduper
	events    EventPublisher
	hub       Subscriber
	logger    *log.Logger
	upgrader  websocket.Upgrader
	keepAlive time.Duration
}

type cardsResponse struct {
	Cards []domain.Card `json:"cards"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config) {
	if cfg.Store == nil || cfg.Auth == nil {
		panic("api.Register: store and auth are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	h := &handlers{
		store:     cfg.Store,
		auth:      cfg.Auth,
		dedupe:    cfg.Deduper,
		events:    cfg.Events,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		keepAlive: cfg.KeepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	g := e.Group("/api/workspaces/:ws", middleware.Decompress(), middleware.BodyLimit("64K"))
	if cfg.RateLimit > 0 {
		g.Use(rateLimiter(cfg.Auth, cfg.RateLimit, cfg.RateBurst))
	}
	g.GET("/cards", h.listCards)
	g.POST("/cards", h.createCard)
	g.GET("/cards/:id", h.getCard)
	g.PATCH("/cards/:id", h.patchCard)
	g.DELETE("/cards/:id", h.deleteCard)
	g.GET("/stream", h.streamCards)
	if h.hub != nil {
		g.GET("/ws", h.cardsSocket)
	}
	e.GET("/healthz", h.healthz)
}

func rateLimiter(auth Authenticator, perSecond float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return rateLimitKey(auth, c), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// rateLimitKey identifies the caller by user id, falling back to the client
// IP for requests that will be rejected as unauthenticated anyway.
func rateLimitKey(auth Authenticator, c echo.Context) string {
	header := authHeaderOrToken(c.Request().Header.Get(echo.HeaderAuthorization), c.QueryParam("token"))
	if p, err := auth.PrincipalFromAuthHeader(header); err == nil && p.UserID != "" {
		return "user:" + p.UserID
	}
	return "ip:" + c.RealIP()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *handlers) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("health check failed")
		return c.String(http.StatusServiceUnavailable, "storage unavailable")
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) begin(c echo.Context) (*cardRequestMetrics, context.Context) {
	m, ctx := newCardRequestMetrics(c.Request().Context(), h.logger, c.Path())
	c.SetRequest(c.Request().WithContext(ctx))
	return m, ctx
}

// authorize resolves the caller and checks membership of the :ws workspace.
func (h *handlers) authorize(c echo.Context, allowQueryToken bool) (Principal, string, int, error) {
	ws := c.Param("ws")
	if !validID(ws) {
		return Principal{}, "", http.StatusBadRequest, errInvalidWorkspace
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if allowQueryToken {
		header = authHeaderOrToken(header, c.QueryParam("token"))
	}
	p, err := h.auth.PrincipalFromAuthHeader(header)
	if err != nil {
		return Principal{}, "", http.StatusUnauthorized, err
	}
	if !p.CanAccess(ws) {
		return Principal{}, "", http.StatusForbidden, errForbidden
	}
	return p, ws, 0, nil
}

func (h *handlers) authorizeRequest(c echo.Context, m *cardRequestMetrics) (Principal, string, bool, error) {
	start := time.Now()
	p, ws, status, err := h.authorize(c, false)
	m.ObserveAuth(time.Since(start))
	if err != nil {
		m.Fail("auth", err)
		return Principal{}, "", false, c.String(status, err.Error())
	}
	m.SetWorkspace(ws)
	return p, ws, true, nil
}

func (h *handlers) fail(c echo.Context, m *cardRequestMetrics, err error) error {
	status := statusForError(err)
	m.Fail(errorStage(status), err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("route", c.Path()).Error("card store failure")
		return c.String(status, "internal error")
	}
	return c.String(status, err.Error())
}

func (h *handlers) listCards(c echo.Context) (err error) {
	metrics, ctx := h.begin(c)
	defer func() { metrics.Log(c.Response().Status, err) }()

	_, ws, ok, err := h.authorizeRequest(c, metrics)
	if !ok {
		return err
	}

	start := time.Now()
	cards, storeErr := h.store.ListCards(ctx, ws)
	metrics.ObserveStore(time.Since(start))
	if storeErr != nil {
		return h.fail(c, metrics, storeErr)
	}
	metrics.SetCardsReturned(len(cards))

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, cardsResponse{Cards: cards})
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.Fail("encode_response", nil)
	}
	return err
}

func (h *handlers) getCard(c echo.Context) (err error) {
	metrics, ctx := h.begin(c)
	defer func() { metrics.Log(c.Response().Status, err) }()

	_, ws, ok, err := h.authorizeRequest(c, metrics)
	if !ok {
		return err
	}
	id := c.Param("id")
	if !validID(id) {
		metrics.Fail("validation", errInvalidCardID)
		return c.String(http.StatusBadRequest, errInvalidCardID.Error())
	}

	start := time.Now()
	card, storeErr := h.store.GetCard(ctx, ws, id)
	metrics.ObserveStore(time.Since(start))
	if storeErr != nil {
		return h.fail(c, metrics, storeErr)
	}
	return c.JSON(http.StatusOK, card)
}

func (h *handlers) createCard(c echo.Context) (err error) {
	metrics, ctx := h.begin(c)
	defer func() { metrics.Log(c.Response().Status, err) }()

	p, ws, ok, err := h.authorizeRequest(c, metrics)
	if !ok {
		return err
	}

	var in domain.NewCard
	if decErr := decodeBody(c.Request().Body, &in); decErr != nil {
		metrics.Fail("decode", decErr)
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if vErr := in.Normalize(); vErr != nil {
		return h.fail(c, metrics, vErr)
	}

	key := c.Request().Header.Get(idempotencyKeyHeader)
	if key != "" && h.dedupe != nil {
		added, dErr := h.dedupe.Add(ctx, ws, key)
		if dErr != nil {
			metrics.Fail("dedupe", dErr)
			h.logger.WithError(dErr).Error("idempotency check failed")
			return c.String(http.StatusInternalServerError, "internal error")
		}
		if !added {
			metrics.Fail("duplicate", nil)
			return c.String(http.StatusConflict, "duplicate request")
		}
	}

	now := time.Now().UTC()
	card := domain.Card{
		ID:          uuid.NewString(),
		WorkspaceID: ws,
		Status:      in.Status,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Type:        in.Type,
		Assignee:    in.Assignee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	start := time.Now()
	created, storeErr := h.store.CreateCard(ctx, ws, card)
	metrics.ObserveStore(time.Since(start))
	if storeErr != nil {
		if key != "" && h.dedupe != nil {
			if rmErr := h.dedupe.Remove(context.WithoutCancel(ctx), ws, key); rmErr != nil {
				h.logger.WithError(rmErr).Warn("release idempotency key failed")
			}
		}
		return h.fail(c, metrics, storeErr)
	}

	h.publish(ctx, domain.CardCreated, p.UserID, ws, created.ID, &created)
	return c.JSON(http.StatusCreated, created)
}

func (h *handlers) patchCard(c echo.Context) (err error) {
	metrics, ctx := h.begin(c)
	defer func() { metrics.Log(c.Response().Status, err) }()

	p, ws, ok, err := h.authorizeRequest(c, metrics)
	if !ok {
		return err
	}
	id := c.Param("id")
	if !validID(id) {
		metrics.Fail("validation", errInvalidCardID)
		return c.String(http.StatusBadRequest, errInvalidCardID.Error())
	}

	var upd domain.StatusUpdate
	if decErr := decodeBody(c.Request().Body, &upd); decErr != nil {
		metrics.Fail("decode", decErr)
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if vErr := upd.Validate(); vErr != nil {
		return h.fail(c, metrics, vErr)
	}

	start := time.Now()
	updated, storeErr := h.store.UpdateStatus(ctx, ws, id, upd)
	metrics.ObserveStore(time.Since(start))
	if storeErr != nil {
		return h.fail(c, metrics, storeErr)
	}

	h.publish(ctx, domain.CardUpdated, p.UserID, ws, id, &updated)
	return c.JSON(http.StatusOK, updated)
}

func (h *handlers) deleteCard(c echo.Context) (err error) {
	metrics, ctx := h.begin(c)
	defer func() { metrics.Log(c.Response().Status, err) }()

	p, ws, ok, err := h.authorizeRequest(c, metrics)
	if !ok {
		return err
	}
	id := c.Param("id")
	if !validID(id) {
		metrics.Fail("validation", errInvalidCardID)
		return c.String(http.StatusBadRequest, errInvalidCardID.Error())
	}

	start := time.Now()
	storeErr := h.store.DeleteCard(ctx, ws, id)
	metrics.ObserveStore(time.Since(start))
	if storeErr != nil {
		return h.fail(c, metrics, storeErr)
	}

	h.publish(ctx, domain.CardDeleted, p.UserID, ws, id, nil)
	return c.NoContent(http.StatusNoContent)
}

// publish announces a mutation. Failures are logged; the mutation already
// succeeded and clients converge on their next poll.
func (h *handlers) publish(ctx context.Context, typ, userID, ws, cardID string, card *domain.Card) {
	if h.events == nil {
		return
	}
	ev := domain.CardEvent{
		Type:        typ,
		WorkspaceID: ws,
		CardID:      cardID,
		UserID:      userID,
		Card:        card,
		Timestamp:   nextTimestamp(),
	}
	if err := h.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{"workspace": ws, "card": cardID, "event": typ}).Warn("publish card event failed")
	}
}

func decodeBody(body io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
