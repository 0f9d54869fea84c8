package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

// BodyLimitConfig bounds request bodies. Batch and transaction bundles are
// POSTed to BundlePath and get the larger BundleLimit.
type BodyLimitConfig struct {
	DefaultLimit int64
	BundleLimit  int64
	BundlePath   string
}

// BodyLimit rejects oversized bodies with 413 and a too-costly
// OperationOutcome. Content-Length is checked up front; bodies without one
// are cut off while being read.
func BodyLimit(cfg BodyLimitConfig) echo.MiddlewareFunc {
	bundlePath := strings.TrimSuffix(cfg.BundlePath, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := cfg.DefaultLimit
			if req.Method == http.MethodPost && strings.TrimSuffix(req.URL.Path, "/") == bundlePath {
				limit = cfg.BundleLimit
			}
			if limit <= 0 {
				return next(c)
			}

			if req.ContentLength > limit {
				return payloadTooLarge(c, limit)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser fails reads once more than remaining bytes arrive.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	// one byte past the limit detects overflow
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLarge(c echo.Context, limit int64) error {
	oo := fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
		fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit))
	return c.JSON(http.StatusRequestEntityTooLarge, oo)
}

// ParseSize parses a size such as "1M", "512K", "10MB" or "2048" into bytes.
func ParseSize(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
