package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("/api/v1/payments", "GET", 500, 120*time.Millisecond)
	ObservePayment("base", "completed", 1.5)
	ObserveFlush("success")
	SetDeferredPending("0xabc", 3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`x402_http_requests_total{code="500",handler="/api/v1/payments",method="GET"} 1`,
		`x402_http_request_errors_total{handler="/api/v1/payments",method="GET"} 1`,
		`x402_payments_total{network="base",status="completed"} 1`,
		`x402_payment_volume_usdc_total{network="base"} 1.5`,
		`x402_deferred_flushes_total{outcome="success"} 1`,
		`x402_deferred_pending{wallet="0xabc"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
