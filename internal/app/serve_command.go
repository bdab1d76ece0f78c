package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/recallnet/base-aerodrome-agent/internal/config"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/inference"
	"github.com/recallnet/base-aerodrome-agent/internal/metrics"
	"github.com/recallnet/base-aerodrome-agent/internal/records"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func (s *runtimeState) newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := s.deps()
			store, err := deps.Store()
			if err != nil {
				return err
			}
			gw, err := deps.Gateway()
			if err != nil {
				s.log.Warnw("inference gateway disabled", "error", err)
			}
			srv := &apiServer{settings: s.settings, gateway: gw, store: store, log: s.log}
			e := srv.echo()

			errCh := make(chan error, 1)
			go func() {
				s.log.Infow("serving gateway api", "addr", addr, "inference", gw != nil)
				errCh <- e.Start(addr)
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return clierr.Wrap(clierr.CodeInternal, "serve http", err)
			case <-cmd.Context().Done():
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.Shutdown(ctx); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "shutdown http server", err)
			}
			s.log.Infow("gateway api stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

// recordLister is the part of the records store the API reads.
type recordLister interface {
	List(ctx context.Context, filter records.ListFilter) ([]verify.Record, error)
}

type apiServer struct {
	settings config.Settings
	gateway  *inference.Gateway
	store    recordLister
	log      *zap.SugaredLogger
}

type requestContext struct {
	echo.Context
	Log   *zap.SugaredLogger
	Reqid string
}

func (a *apiServer) echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.Use(a.recoverMiddleware())
	v1.Use(a.trackMiddleware())
	v1.POST("/complete", a.handleComplete)
	v1.POST("/verify", a.handleVerify)
	v1.GET("/records", a.handleRecords)
	return e
}

func (a *apiServer) trackMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 20)
			cc := &requestContext{Context: c, Log: a.log.With("request_id", "req_"+reqID), Reqid: reqID}
			start := time.Now()
			err := next(cc)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			cc.Log.Infow("end_of_request", "path", c.Path(), "status_code", status, "duration", time.Since(start).String())
			metrics.ResponseCodes.WithLabelValues(c.Path(), strconv.Itoa(status)).Inc()
			return nil
		}
	}
}

func (a *apiServer) recoverMiddleware() echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			a.log.Errorw("api panic", "error", err.Error())
			return c.JSON(http.StatusInternalServerError, map[string]any{"error": errorBody(clierr.New(clierr.CodeInternal, "internal server error"))})
		},
	})
}

func (a *apiServer) handleComplete(c echo.Context) error {
	if a.gateway == nil {
		return a.fail(c, clierr.New(clierr.CodeUnavailable, "inference gateway is not configured"))
	}
	var req inference.CompletionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return a.fail(c, clierr.Wrap(clierr.CodeConfig, "decode completion request", err))
	}
	if len(req.Messages) == 0 {
		return a.fail(c, clierr.New(clierr.CodeConfig, "conversation has no messages"))
	}
	applyRequestDefaults(&req, a.settings)

	ctx := c.Request().Context()
	if req.Stream {
		return a.streamComplete(c, req)
	}
	resp, err := a.gateway.Complete(ctx, req)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, completionFromResponse(resp))
}

// streamComplete relays gateway events as server-sent events, one JSON
// object per event.
func (a *apiServer) streamComplete(c echo.Context, req inference.CompletionRequest) error {
	ctx := c.Request().Context()
	events, err := a.gateway.Stream(ctx, req)
	if err != nil {
		return a.fail(c, err)
	}
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	for ev := range events {
		payload := map[string]any{"type": ev.Type}
		switch ev.Type {
		case inference.EventTextDelta:
			payload["delta"] = ev.Delta
		case inference.EventResponseMetadata:
			payload["id"] = ev.ID
			payload["model"] = ev.Model
		case inference.EventFinish:
			payload["usage"] = ev.Usage
			payload["signature"] = ev.Signature
			payload["finish_reason"] = ev.FinishReason
			payload["verification"] = ev.Verification
		case inference.EventError:
			payload["error"] = ev.Err.Error()
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", buf); err != nil {
			return nil
		}
		w.Flush()
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}

type verifyRequest struct {
	ChainID        string `json:"chain_id"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Output         string `json:"output"`
	Signature      string `json:"signature"`
	ExpectedSigner string `json:"expected_signer"`
}

func (a *apiServer) handleVerify(c echo.Context) error {
	var body verifyRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return a.fail(c, clierr.Wrap(clierr.CodeConfig, "decode verify request", err))
	}
	if strings.TrimSpace(body.Model) == "" || strings.TrimSpace(body.Signature) == "" {
		return a.fail(c, clierr.New(clierr.CodeConfig, "model and signature are required"))
	}
	if body.ChainID == "" {
		body.ChainID = a.settings.ChainID
	}
	if body.ExpectedSigner == "" {
		body.ExpectedSigner = a.settings.ExpectedSigner
	}
	report := verificationReport(verify.Input{
		ChainID:        body.ChainID,
		Model:          body.Model,
		Prompt:         body.Prompt,
		Output:         body.Output,
		Signature:      body.Signature,
		ExpectedSigner: body.ExpectedSigner,
	})
	return c.JSON(http.StatusOK, report)
}

func (a *apiServer) handleRecords(c echo.Context) error {
	filter := records.ListFilter{UnsubmittedOnly: c.QueryParam("unsubmitted") == "true"}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return a.fail(c, clierr.New(clierr.CodeConfig, "limit must be a non-negative integer"))
		}
		filter.Limit = n
	}
	recs, err := a.store.List(c.Request().Context(), filter)
	if err != nil {
		return a.fail(c, clierr.Wrap(clierr.CodeInternal, "list records", err))
	}
	return c.JSON(http.StatusOK, recordSummaries(recs))
}

func (a *apiServer) fail(c echo.Context, err error) error {
	if cc, ok := c.(*requestContext); ok {
		cc.Log.Warnw("request failed", "error", err)
	}
	return c.JSON(httpStatus(err), map[string]any{"error": errorBody(err)})
}

func httpStatus(err error) int {
	cErr, ok := clierr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch cErr.Code {
	case clierr.CodeConfig:
		return http.StatusBadRequest
	case clierr.CodeAuth:
		return http.StatusUnauthorized
	case clierr.CodeBlocked:
		return http.StatusForbidden
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case clierr.CodeTransport, clierr.CodeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
