package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/auditstore"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// ReviewServer exposes the review queue, stats, and export over HTTP.
type ReviewServer struct {
	echo   *echo.Echo
	store  *auditstore.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type approveRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
	// publish right away, rather than waiting for the approved-draft job
	Publish bool `json:"publish"`
}

type rejectRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
	Notes    string `json:"notes"`
}

func NewReviewServer(store *auditstore.Store, orch *orchestrator.Orchestrator, adminToken string, logger *slog.Logger) *ReviewServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &ReviewServer{
		echo:   echo.New(),
		store:  store,
		orch:   orch,
		logger: logger.With("component", "review-api"),
	}

	e := srv.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(srv.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("tweetbot"))
	e.Use(echoprometheus.NewMiddleware("tweetbot"))
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	api := e.Group("")
	if adminToken != "" {
		api.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == adminToken, nil
		}))
	}
	api.GET("/review/queue", srv.HandleReviewQueue)
	api.POST("/review/:id/approve", srv.HandleApprove)
	api.POST("/review/:id/reject", srv.HandleReject)
	api.GET("/drafts/:id", srv.HandleGetDraft)
	api.GET("/stats", srv.HandleStats)
	api.GET("/export", srv.HandleExport)
	api.GET("/report", srv.HandleReport)
	return srv
}

func (srv *ReviewServer) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Run serves until ctx is done, then shuts down gracefully.
func (srv *ReviewServer) Run(ctx context.Context, bind string) error {
	httpd := &http.Server{
		Addr:           bind,
		Handler:        srv,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpd.Shutdown(sctx); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}
	}()
	srv.logger.Info("starting review API", "bind", bind)
	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *ReviewServer) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	case errors.Is(err, auditstore.ErrDraftNotFound), errors.Is(err, auditstore.ErrNotQueued):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, auditstore.ErrInvalidTransition):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, auditstore.ErrStoreBusy):
		code, msg = http.StatusServiceUnavailable, "audit store busy, try again"
	}
	if code >= 500 {
		srv.logger.Warn("review-api-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, GenericStatus{Daemon: "tweetbot", Status: "error", Message: msg})
	}
}

func draftID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid draft id")
	}
	return uint(id), nil
}

func (srv *ReviewServer) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "tweetbot"})
}

func (srv *ReviewServer) HandleReviewQueue(c echo.Context) error {
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	items, err := srv.store.GetReviewQueue(c.Request().Context(), !all)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (srv *ReviewServer) HandleGetDraft(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := srv.store.GetDraft(ctx, id)
	if err != nil {
		return err
	}
	checks, err := srv.store.SafetyChecks(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"draft": d, "safety_checks": checks})
}

func (srv *ReviewServer) HandleApprove(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer is required")
	}
	ctx := c.Request().Context()
	if err := srv.store.ApproveForPosting(ctx, id, req.Reviewer, req.Notes); err != nil {
		return err
	}
	if req.Publish && srv.orch != nil {
		dec, err := srv.orch.PublishApproved(ctx, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"status": auditstore.StatusApproved, "decision": dec})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": auditstore.StatusApproved})
}

func (srv *ReviewServer) HandleReject(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer is required")
	}
	if err := srv.store.RejectDraft(c.Request().Context(), id, req.Reviewer, req.Reason, req.Notes); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": auditstore.StatusRejected})
}

func (srv *ReviewServer) HandleStats(c echo.Context) error {
	st, err := srv.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	out := map[string]any{"stats": st}
	if srv.orch != nil {
		out["quota"] = srv.orch.Quota.Usage()
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *ReviewServer) HandleExport(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c.Response().Header().Set("Content-Disposition", `attachment; filename="tweetbot-export.json"`)
	c.Response().WriteHeader(http.StatusOK)
	return srv.store.Export(c.Request().Context(), c.Response())
}

func (srv *ReviewServer) HandleReport(c echo.Context) error {
	since, err := parseSince(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rep, err := srv.store.EngagementReport(c.Request().Context(), since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}
