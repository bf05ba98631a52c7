package crdt

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/kvconsensus/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGateway_GetMissingKeyParam(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	engine := NewRouter(engines[0], metrics.New("test_crdt_gw_missing_key"), zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/storage", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_GetUnknownKeyReturnsNullValue(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	engine := NewRouter(engines[0], metrics.New("test_crdt_gw_unknown_key"), zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/storage?key=nope", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"value": null}`, rec.Body.String())
}

func TestGateway_PatchPutThenGetConvergesOnAnyReplica(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	origin := NewRouter(engines[0], metrics.New("test_crdt_gw_patch_put"), zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodPatch, "/storage", strings.NewReader(`{"data":{"x":42}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	origin.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	other := NewRouter(engines[1], metrics.New("test_crdt_gw_patch_put_peer"), zaptest.NewLogger(t))
	require.Eventually(t, func() bool {
		getRec := httptest.NewRecorder()
		other.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/storage?key=x", nil))
		return getRec.Code == http.StatusOK && strings.Contains(getRec.Body.String(), "42")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_PatchNullValueDeletes(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	origin := NewRouter(engines[0], metrics.New("test_crdt_gw_patch_del"), zaptest.NewLogger(t))

	putReq := httptest.NewRequest(http.MethodPatch, "/storage", strings.NewReader(`{"data":{"x":42}}`))
	putReq.Header.Set("Content-Type", "application/json")
	putRec := httptest.NewRecorder()
	origin.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())

	delReq := httptest.NewRequest(http.MethodPatch, "/storage", strings.NewReader(`{"data":{"x":null}}`))
	delReq.Header.Set("Content-Type", "application/json")
	delRec := httptest.NewRecorder()
	origin.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code, delRec.Body.String())

	getRec := httptest.NewRecorder()
	origin.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/storage?key=x", nil))
	assert.Equal(t, http.StatusOK, getRec.Code)
	assert.JSONEq(t, `{"value": null}`, getRec.Body.String())
}

func TestGateway_PatchRejectsEmptyBody(t *testing.T) {
	engines, cleanup := newTestCluster(t)
	defer cleanup()

	engine := NewRouter(engines[0], metrics.New("test_crdt_gw_patch_empty"), zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodPatch, "/storage", strings.NewReader(`{"data":{}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
