// Package httpapi mirrors the eight kairos_* protocol operations as a
// REST surface over echo, alongside health, metrics, and OAuth2 discovery
// endpoints, the way eve services expose their echo HTTP servers.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	kairoshttp "kairos.run/http"
	"kairos.run/kairosapi"
	"kairos.run/kerrors"
	"kairos.run/metrics"
	"kairos.run/model"
	"kairos.run/security"
	"kairos.run/tenant"
	"kairos.run/version"
)

// Config controls how the REST mirror is mounted.
type Config struct {
	Server         kairoshttp.ServerConfig
	Metrics        *metrics.Registry
	Resolver       *tenant.Resolver
	Issuers        *security.TrustedIssuers
	ResourceServer string // base URL advertised by the OAuth2 discovery document
}

// Handlers binds a kairosapi.API to an echo router.
type Handlers struct {
	api      *kairosapi.API
	resolver *tenant.Resolver
	issuers  *security.TrustedIssuers
	metrics  *metrics.Registry
	resource string
	log      *logrus.Logger
}

// NewEchoServer builds a fully wired echo server: the kairos REST mirror,
// /health, /metrics, and the OAuth2-protected-resource discovery documents.
func NewEchoServer(api *kairosapi.API, cfg Config, log *logrus.Logger) *echo.Echo {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handlers{api: api, resolver: cfg.Resolver, issuers: cfg.Issuers, metrics: cfg.Metrics, resource: cfg.ResourceServer, log: log}

	e := kairoshttp.NewEchoServer(cfg.Server)
	e.GET("/health", kairoshttp.HealthCheckHandler("kairos", version.GetKairosVersion()))
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Metrics.Gatherer(), promhttp.HandlerOpts{})))
	}
	e.GET("/.well-known/oauth-protected-resource", h.discoveryHandler)
	e.GET("/.well-known/oauth-protected-resource/mcp", h.discoveryHandler)

	api_ := e.Group("/api")
	api_.POST("/kairos_mint", h.mint)
	api_.POST("/kairos_begin", h.begin)
	api_.POST("/kairos_next", h.next)
	api_.POST("/kairos_attest", h.attest)
	api_.POST("/kairos_update", h.update)
	api_.POST("/kairos_delete", h.delete)
	api_.POST("/kairos_dump", h.dump)
	api_.POST("/kairos_search", h.search)

	return e
}

func (h *Handlers) discoveryHandler(c echo.Context) error {
	doc := map[string]interface{}{
		"resource": h.resource,
	}
	if h.issuers != nil {
		doc["authorization_servers"] = h.issuers.Issuers()
	}
	return c.JSON(http.StatusOK, doc)
}

// tenantContext resolves the caller's tenant.Context from the request's
// bearer token per spec.md §6 "Authentication".
func (h *Handlers) tenantContext(c echo.Context) *tenant.Context {
	if h.issuers == nil {
		return h.resolver.ResolveAnonymous()
	}
	token := bearerToken(c.Request())
	if token == "" {
		return h.resolver.ResolveUnauthenticated()
	}
	claims, err := h.issuers.Verify(c.Request().Context(), token)
	if err != nil {
		return h.resolver.ResolveUnauthenticated()
	}
	return h.resolver.ResolveClaims(claims, groupsOf(claims))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func groupsOf(claims *security.Claims) []string {
	raw, ok := claims.Extra["groups"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(list))
	for _, g := range list {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

func writeError(c echo.Context, err error) error {
	code := kerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case kerrors.CodeAuthRequired:
		status = http.StatusUnauthorized
	case kerrors.CodeForbiddenScope:
		status = http.StatusForbidden
	case kerrors.CodeNotFound:
		status = http.StatusNotFound
	case kerrors.CodeConflict, kerrors.CodeDuplicateChain:
		status = http.StatusConflict
	case kerrors.CodeInvalidInput, kerrors.CodeInvalidURI, kerrors.CodeTypeMismatch,
		kerrors.CodeMissingSolution, kerrors.CodeCommentTooShort:
		status = http.StatusBadRequest
	case kerrors.CodeRequestTimeout:
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, kairoshttp.ErrorResponse{Error: string(code), Message: err.Error()})
}

type mintBody struct {
	MarkdownDoc string `json:"markdown_doc"`
	LLMModelID  string `json:"llm_model_id"`
	ForceUpdate bool   `json:"force_update"`
}

func (h *Handlers) mint(c echo.Context) error {
	var b mintBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Mint(c.Request().Context(), h.tenantContext(c), b.MarkdownDoc, b.LLMModelID, b.ForceUpdate)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type beginBody struct {
	Query string `json:"query"`
	URI   string `json:"uri"`
	Limit int    `json:"limit"`
}

func (h *Handlers) begin(c echo.Context) error {
	var b beginBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	step, choices, err := h.api.Begin(c.Request().Context(), h.tenantContext(c), b.Query, b.URI, b.Limit)
	if err != nil {
		return writeError(c, err)
	}
	if step != nil {
		return c.JSON(http.StatusOK, step)
	}
	return c.JSON(http.StatusOK, choices)
}

func (h *Handlers) search(c echo.Context) error {
	var b beginBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Search(c.Request().Context(), h.tenantContext(c), b.Query, b.Limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type nextBody struct {
	URI      string          `json:"uri"`
	Solution *model.Solution `json:"solution"`
}

func (h *Handlers) next(c echo.Context) error {
	var b nextBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Next(c.Request().Context(), h.tenantContext(c), b.URI, b.Solution)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type attestBody struct {
	URI          string  `json:"uri"`
	Outcome      string  `json:"outcome"`
	Message      string  `json:"message"`
	QualityBonus float64 `json:"quality_bonus"`
	Model        string  `json:"model"`
}

func (h *Handlers) attest(c echo.Context) error {
	var b attestBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Attest(c.Request().Context(), h.tenantContext(c), b.URI, b.Outcome, b.Message, b.QualityBonus, b.Model)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type updateBody struct {
	URIs         []string `json:"uris"`
	MarkdownDocs []string `json:"markdown_doc"`
}

func (h *Handlers) update(c echo.Context) error {
	var b updateBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	reqs := make([]kairosapi.UpdateRequest, 0, len(b.URIs))
	for i, uri := range b.URIs {
		doc := ""
		if i < len(b.MarkdownDocs) {
			doc = b.MarkdownDocs[i]
		}
		reqs = append(reqs, kairosapi.UpdateRequest{URI: uri, MarkdownDoc: doc})
	}
	resp, err := h.api.Update(c.Request().Context(), h.tenantContext(c), reqs)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type deleteBody struct {
	URIs []string `json:"uris"`
}

func (h *Handlers) delete(c echo.Context) error {
	var b deleteBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Delete(c.Request().Context(), h.tenantContext(c), b.URIs)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type dumpBody struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol"`
}

func (h *Handlers) dump(c echo.Context) error {
	var b dumpBody
	if err := c.Bind(&b); err != nil {
		return writeError(c, kerrors.New(kerrors.CodeInvalidInput, "invalid request body"))
	}
	resp, err := h.api.Dump(c.Request().Context(), h.tenantContext(c), b.URI, b.Protocol)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
