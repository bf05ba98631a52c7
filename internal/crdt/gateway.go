package crdt

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/ruvnet/kvconsensus/internal/errors"
	"github.com/ruvnet/kvconsensus/internal/httpmw"
	"github.com/ruvnet/kvconsensus/internal/metrics"
	"github.com/ruvnet/kvconsensus/internal/wsview"
)

const deliveryTimeout = 5 * time.Second

// NewRouter builds the gin engine for the eventually-consistent
// service's client surface (spec §6): GET /storage?key=K serves
// straight from the local store, and PATCH /storage {data: {key:
// value_or_null, ...}} applies a batch of per-key puts/deletes — a
// null value deletes the key — blocking until every one of the
// issuing replica's own broadcasts has been delivered locally, so the
// client gets read-your-writes on the replica it talked to without
// waiting on the rest of the cluster.
func NewRouter(rcb *RCB, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	limiter := httpmw.NewRateLimiter(200, 50)
	engine.Use(httpmw.RequestID(), httpmw.Logger(logger), httpmw.Recovery(logger), limiter.Middleware())

	engine.GET("/", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"replica": rcb.self}) })
	engine.GET("/metrics", gin.WrapH(m.Handler()))
	engine.GET("/view", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"replica": rcb.self, "store": rcb.Store().Keys()})
	})

	engine.GET("/view/stream", func(c *gin.Context) {
		wsview.Stream(c, logger, 0, func() any {
			return gin.H{"replica": rcb.self, "store": rcb.Store().Keys()}
		})
	})

	engine.GET("/storage", handleGet(rcb))
	engine.PATCH("/storage", handlePatch(rcb))

	return engine
}

func handleGet(rcb *RCB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			c.JSON(http.StatusBadRequest, apierrors.NewBadRequestError("missing query parameter \"key\""))
			return
		}
		value, ok := rcb.Store().Get(key)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"value": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": value})
	}
}

// patchBody carries a batch of writes keyed by name; a nil value
// (JSON null, or the key simply absent from the map's pointer) means
// delete rather than store a zero.
type patchBody struct {
	Data map[string]*int64 `json:"data"`
}

func handlePatch(rcb *RCB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body patchBody
		if err := c.ShouldBindJSON(&body); err != nil || len(body.Data) == 0 {
			c.JSON(http.StatusBadRequest, apierrors.NewBadRequestError("body must be {\"data\": {key: value_or_null, ...}}"))
			return
		}

		ids := make([]MessageID, 0, len(body.Data))
		for key, value := range body.Data {
			if value == nil {
				ids = append(ids, rcb.Broadcast(DeleteOp, key, 0))
				continue
			}
			ids = append(ids, rcb.Broadcast(PutOp, key, *value))
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), deliveryTimeout)
		defer cancel()
		for _, id := range ids {
			if !rcb.WaitDelivered(id, ctx.Done()) {
				c.JSON(http.StatusServiceUnavailable, apierrors.NewInternalError("local delivery timed out"))
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"applied": len(ids)})
	}
}
