package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hie/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("a", 200))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated uuid, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")

	h := Logger(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"request_id":"req-123"`) {
		t.Errorf("expected request id in log line, got %s", buf.String())
	}
}

func TestLogger_HandlesError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Logger(logger)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})
	if err := h(c); err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn level, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	h := Recovery(logger)(func(c echo.Context) error {
		panic("test panic")
	})
	err := h(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	h := Recovery(logger)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func runCustomer(t *testing.T, setup func(req *http.Request, c echo.Context)) (uuid.UUID, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	setup(req, c)

	var got uuid.UUID
	err := Customer()(func(c echo.Context) error {
		got = CxIDFromContext(c.Request().Context())
		return nil
	})(c)
	return got, err
}

func TestCustomer_FromClaim(t *testing.T) {
	claim := uuid.New()
	header := uuid.New()
	got, err := runCustomer(t, func(req *http.Request, c echo.Context) {
		c.Set(auth.CxIDContextKey, claim.String())
		req.Header.Set(CxIDHeader, header.String())
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != claim {
		t.Errorf("expected claim %s to win, got %s", claim, got)
	}
}

func withRoles(req *http.Request, c echo.Context, roles ...string) {
	ctx := context.WithValue(req.Context(), auth.UserRolesKey, roles)
	c.SetRequest(req.WithContext(ctx))
}

func TestCustomer_FromHeader(t *testing.T) {
	want := uuid.New()
	got, err := runCustomer(t, func(req *http.Request, c echo.Context) {
		req.Header.Set(CxIDHeader, want.String())
		withRoles(req, c, auth.RoleInternal)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCustomer_FromQuery(t *testing.T) {
	want := uuid.New()
	got, err := runCustomer(t, func(req *http.Request, c echo.Context) {
		req.URL.RawQuery = "cxId=" + want.String()
		withRoles(req, c, "admin")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCustomer_Rejects(t *testing.T) {
	tests := map[string]struct {
		setup func(req *http.Request, c echo.Context)
		code  int
	}{
		"missing": {
			setup: func(req *http.Request, c echo.Context) { withRoles(req, c, auth.RoleInternal) },
			code:  http.StatusBadRequest,
		},
		"invalid": {
			setup: func(req *http.Request, c echo.Context) {
				req.Header.Set(CxIDHeader, "not-a-uuid")
				withRoles(req, c, auth.RoleInternal)
			},
			code: http.StatusBadRequest,
		},
		"invalid claim": {
			setup: func(req *http.Request, c echo.Context) { c.Set(auth.CxIDContextKey, "not-a-uuid") },
			code:  http.StatusBadRequest,
		},
		"header without internal role": {
			setup: func(req *http.Request, c echo.Context) {
				req.Header.Set(CxIDHeader, uuid.NewString())
				withRoles(req, c, "viewer")
			},
			code: http.StatusForbidden,
		},
		"query without roles": {
			setup: func(req *http.Request, c echo.Context) { req.URL.RawQuery = "cxId=" + uuid.NewString() },
			code:  http.StatusForbidden,
		},
		"no claim no roles": {
			setup: func(req *http.Request, c echo.Context) {},
			code:  http.StatusForbidden,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := runCustomer(t, tt.setup)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, httpErr.Code)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("expected %s header", h)
		}
	}
}
