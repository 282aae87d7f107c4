package log

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
)

func TestMiddlewareLogsAndPassesThroughResponse(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	})

	log := zerolog.Nop()
	mw := New()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req = req.WithContext(appctx.WithLogger(req.Context(), &log))

	mw(next).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}
