package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(Middleware())
	router.HandleFunc("/api/orders/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/api/orders/{id}/status", "409"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders/abc/status", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/api/orders/{id}/status", "409"))
	assert.Equal(t, before+1, after)
}

func TestRecordOrderOperation(t *testing.T) {
	before := testutil.ToFloat64(orderOperations.WithLabelValues("update_status", "error"))

	RecordOrderOperation("update_status", false)

	assert.Equal(t, before+1, testutil.ToFloat64(orderOperations.WithLabelValues("update_status", "error")))
}
