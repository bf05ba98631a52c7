package raft

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/ruvnet/kvconsensus/internal/errors"
	"github.com/ruvnet/kvconsensus/internal/httpmw"
	"github.com/ruvnet/kvconsensus/internal/metrics"
	"github.com/ruvnet/kvconsensus/internal/wsview"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

// requestTimeout bounds how long the gateway blocks waiting for an
// entry to commit before giving up and telling the client to retry.
const requestTimeout = 5 * time.Second

// NewRouter builds the gin engine for the strongly-consistent
// service's client-facing HTTP surface (spec §6): GET /storage?key=K,
// POST/PUT/DELETE /storage with a {key,value} body. GET is served
// once the key's most recent write has committed; writes block until
// the entry they append has committed, redirecting to the leader if
// this replica isn't one.
func NewRouter(r *Raft, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	limiter := httpmw.NewRateLimiter(200, 50)
	engine.Use(httpmw.RequestID(), httpmw.Logger(logger), httpmw.Recovery(logger), limiter.Middleware())

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"role": r.roleString(), "term": r.currentTermSnapshot()})
	})
	engine.GET("/metrics", gin.WrapH(m.Handler()))
	engine.GET("/view", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"role":         r.roleString(),
			"term":         r.currentTermSnapshot(),
			"leader":       r.Leader(),
			"commit_index": r.commitIndexSnapshot(),
			"store":        r.stateMachine.Snapshot(),
		})
	})

	engine.GET("/view/stream", func(c *gin.Context) {
		wsview.Stream(c, logger, 0, func() any {
			return gin.H{
				"role":         r.roleString(),
				"term":         r.currentTermSnapshot(),
				"leader":       r.Leader(),
				"commit_index": r.commitIndexSnapshot(),
				"store":        r.stateMachine.Snapshot(),
			}
		})
	})

	engine.GET("/storage", r.handleGet)
	engine.POST("/storage", r.handleWrite(consensus.PostEvent))
	engine.PUT("/storage", r.handleWrite(consensus.PutEvent))
	engine.DELETE("/storage", r.handleWrite(consensus.DeleteEvent))

	return engine
}

func (r *Raft) roleString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role.String()
}

func (r *Raft) currentTermSnapshot() consensus.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

func (r *Raft) commitIndexSnapshot() consensus.LogIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

type writeBody struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// handleGet linearizes a read through the log by proposing a GET
// no-op entry and waiting for it to commit before answering, so a
// client never observes a value older than every write it has already
// been told committed.
func (r *Raft) handleGet(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, apierrors.NewBadRequestError("missing query parameter \"key\""))
		return
	}
	if !r.IsLeader() {
		r.redirectOrUnavailable(c)
		return
	}
	index, ok := r.Propose(consensus.GetEvent, key, 0)
	if !ok {
		r.redirectOrUnavailable(c)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if !r.WaitCommitted(ctx, index) {
		c.JSON(http.StatusServiceUnavailable, apierrors.NewAPIError(apierrors.NoLeader, "commit timed out"))
		return
	}
	value, exists := r.stateMachine.Get(key)
	if !exists {
		c.JSON(http.StatusOK, gin.H{"value": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}

func (r *Raft) handleWrite(event consensus.Event) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body writeBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Key == "" {
			c.JSON(http.StatusBadRequest, apierrors.NewBadRequestError("body must be {\"key\": <string>, \"value\": <integer>}"))
			return
		}

		if !r.IsLeader() {
			r.redirectOrUnavailable(c)
			return
		}
		index, ok := r.Propose(event, body.Key, body.Value)
		if !ok {
			r.redirectOrUnavailable(c)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		if !r.WaitCommitted(ctx, index) {
			c.JSON(http.StatusServiceUnavailable, apierrors.NewAPIError(apierrors.NoLeader, "commit timed out"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": body.Value})
	}
}

// redirectOrUnavailable responds 307 to the known leader's gateway, or
// 503 NoLeader if none is currently known.
func (r *Raft) redirectOrUnavailable(c *gin.Context) {
	host, port, ok := r.LeaderAddress()
	if !ok {
		apiErr := apierrors.NewNoLeaderError()
		c.JSON(apiErr.HTTPStatus(), apiErr)
		return
	}
	url := "http://" + host + ":" + strconv.Itoa(port) + c.Request.URL.RequestURI()
	c.Redirect(http.StatusTemporaryRedirect, url)
}
