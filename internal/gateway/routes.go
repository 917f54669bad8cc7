package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/sparkyard/internal/dispatch"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/session"
)

// registerRoutes sets up the v1 API on the Gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	v1 := router.Group("/api/v1")

	v1.POST("/sessions", handleRequestSession(opts))
	v1.GET("/sessions", handleListSessions(opts))
	v1.GET("/sessions/:id", handleGetSession(opts))
	v1.DELETE("/sessions/:id", handleCloseSession(opts))

	v1.POST("/sessions/:id/jobs", handleSubmitJob(opts))
	v1.GET("/sessions/:id/jobs", handleListJobs(opts))
	v1.GET("/jobs/:id", handleGetJob(opts))
	v1.POST("/jobs/:id/cancel", handleCancelJob(opts))

	v1.POST("/engines", handleRegisterEngine(opts))
	v1.POST("/engines/:id/heartbeat", handleHeartbeat(opts))
	v1.DELETE("/engines/:id", handleDeregisterEngine(opts))
	v1.GET("/engines", handleListEngines(opts))

	v1.GET("/intents", handleListIntents(opts))
	v1.POST("/intents/:id/resolve", handleResolveIntent(opts))
}

type sessionRequest struct {
	LogicalKey   string `json:"logical_key" binding:"required"`
	Kind         string `json:"kind"`
	Wait         bool   `json:"wait"`
	HighPriority bool   `json:"high_priority"`
}

func sessionPayload(sess *models.Session) gin.H {
	return gin.H{
		"id":            sess.ID,
		"workspace_id":  sess.WorkspaceID,
		"logical_key":   sess.LogicalKey,
		"kind":          sess.Kind,
		"state":         sess.State,
		"reason":        sess.Reason,
		"engine_id":     sess.EngineID,
		"uncertain":     sess.Uncertain,
		"created_at":    sess.CreatedAt,
		"last_activity": sess.LastActivity,
	}
}

func jobPayload(job *models.JobUnit) gin.H {
	return gin.H{
		"id":           job.ID,
		"session_id":   job.SessionID,
		"seq":          job.Seq,
		"kind":         job.Kind,
		"state":        job.State,
		"reason":       job.Reason,
		"result_ref":   job.ResultRef,
		"uncertain":    job.Uncertain,
		"submitted_at": job.SubmittedAt,
		"completed_at": job.CompletedAt,
	}
}

func handleRequestSession(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := workspaceID(c)
		if ws == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing workspace identity"})
			return
		}
		var req sessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := opts.Sessions.Request(c.Request.Context(), ws, req.LogicalKey, req.Kind, session.RequestOpts{
			Wait:         req.Wait,
			HighPriority: req.HighPriority,
		})
		if err != nil {
			if opts.Metrics != nil && fault.ReasonOf(err) != "" {
				opts.Metrics.SessionsFailed.Inc()
			}
			writeError(c, err)
			return
		}
		if opts.Metrics != nil {
			opts.Metrics.SessionsCreated.Inc()
		}
		c.JSON(http.StatusOK, sessionPayload(sess))
	}
}

func handleListSessions(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := opts.Sessions.List(session.ListFilters{
			WorkspaceID: c.Query("workspace"),
			State:       c.Query("state"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(sessions))
		for i := range sessions {
			out = append(out, sessionPayload(&sessions[i]))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	}
}

func handleGetSession(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := opts.Sessions.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionPayload(sess))
	}
}

func handleCloseSession(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := opts.Sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": models.SessionClosed})
	}
}

type jobRequest struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload" binding:"required"`
}

func handleSubmitJob(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req jobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := opts.Dispatcher.Submit(c.Request.Context(), c.Param("id"), dispatch.JobSpec{
			Kind:    req.Kind,
			Payload: req.Payload,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		if opts.Metrics != nil {
			opts.Metrics.JobsSubmitted.Inc()
		}
		c.JSON(http.StatusOK, jobPayload(job))
	}
}

func handleListJobs(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := opts.Dispatcher.List(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(jobs))
		for i := range jobs {
			out = append(out, jobPayload(&jobs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out})
	}
}

func handleGetJob(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := opts.Dispatcher.Poll(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobPayload(job))
	}
}

func handleCancelJob(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := opts.Dispatcher.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobPayload(job))
	}
}

type engineRequest struct {
	ID         string `json:"id"`
	Kind       string `json:"kind" binding:"required"`
	Address    string `json:"address" binding:"required"`
	TotalSlots int    `json:"total_slots"`
}

func handleRegisterEngine(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := opts.Registry.Register(registry.Descriptor{
			ID:         req.ID,
			Kind:       req.Kind,
			Address:    req.Address,
			TotalSlots: req.TotalSlots,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

type heartbeatRequest struct {
	UsedSlots int `json:"used_slots"`
}

func handleHeartbeat(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := opts.Registry.Heartbeat(c.Param("id"), registry.HealthSnapshot{UsedSlots: req.UsedSlots}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	}
}

func handleDeregisterEngine(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := opts.Registry.Deregister(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		if opts.Reconciler != nil {
			opts.Reconciler.Kick()
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	}
}

func handleListEngines(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		engines, err := opts.Registry.List(c.Query("kind"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(engines))
		for _, eng := range engines {
			out = append(out, gin.H{
				"id":             eng.ID,
				"kind":           eng.Kind,
				"address":        eng.Address,
				"health":         eng.Health,
				"total_slots":    eng.TotalSlots,
				"used_slots":     eng.UsedSlots,
				"last_heartbeat": eng.LastHeartbeat,
			})
		}
		c.JSON(http.StatusOK, gin.H{"engines": out})
	}
}

func handleListIntents(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Scaling == nil {
			c.JSON(http.StatusOK, gin.H{"intents": []gin.H{}})
			return
		}
		intents, err := opts.Scaling.List()
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(intents))
		for _, intent := range intents {
			out = append(out, gin.H{
				"id":            intent.ID,
				"direction":     intent.Direction,
				"delta":         intent.Delta,
				"status":        intent.Status,
				"justification": intent.Justification,
				"issued_at":     intent.IssuedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"intents": out})
	}
}

type resolveRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleResolveIntent is the callback surface for the external resource
// manager to ACK or REJECT an intent.
func handleResolveIntent(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Scaling == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "scaling disabled"})
			return
		}
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := opts.Scaling.Resolve(c.Param("id"), req.Status); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
	}
}
