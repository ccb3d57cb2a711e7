package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/deals/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/deals/:id", "2xx"))

	req := httptest.NewRequest(http.MethodGet, "/v1/deals/deal_1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/deals/:id", "2xx"))
	if after != before+1 {
		t.Fatalf("expected counter to increment, before=%v after=%v", before, after)
	}
}

func TestHandler_ServesPrometheusText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	DealsTotal.WithLabelValues("booked").Inc()

	r := gin.New()
	r.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metric exposition output")
	}
}
