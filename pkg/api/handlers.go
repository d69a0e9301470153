package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/runtime"
)

// submitTask creates a root task from a user request and enqueues it.
func (s *Server) submitTask(c *gin.Context) {
	var req runtime.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.engine.SubmitTask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id": task.ID,
		"tree_id": task.TreeID,
		"state":   task.State,
	})
}

func (s *Server) listActiveTasks(c *gin.Context) {
	tasks, err := s.store.GetActiveTasks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTaskByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) getTaskMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetTaskByID(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	messages, err := s.store.GetMessagesByTaskID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "messages": messages})
}

type stepRequest struct {
	Action string `json:"action"`
}

// stepTask resumes, skips, or aborts a held task.
func (s *Server) stepTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.Step(c.Request.Context(), id, req.Action); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "action": req.Action})
}

// getTree returns every task in a tree plus a state tally.
func (s *Server) getTree(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tasks, err := s.store.GetTasksByTreeID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(tasks) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	states := make(map[models.TaskState]int)
	for _, t := range tasks {
		states[t.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"tree_id": id,
		"tasks":   tasks,
		"states":  states,
	})
}

func (s *Server) cancelTree(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.engine.CancelTree(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree_id": id, "cancelled": true})
}

type treeSteppingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// setTreeStepping toggles the manual-stepping override for one tree.
func (s *Server) setTreeStepping(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req treeSteppingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	s.engine.SetTreeStepping(id, *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"tree_id": id, "enabled": *req.Enabled})
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Settings())
}

func (s *Server) updateSettings(c *gin.Context) {
	settings := s.engine.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.engine.UpdateSettings(settings); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Settings())
}

func (s *Server) getWarnings(c *gin.Context) {
	warnings := s.engine.Warnings()
	c.JSON(http.StatusOK, gin.H{"warnings": warnings, "count": len(warnings)})
}

// health reports store reachability and a runtime snapshot. Store failures
// degrade the status to 503 so orchestrated deployments restart the pod.
func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"
	storeStatus := "ok"
	if _, err := s.store.GetRootTasks(c.Request.Context(), 1); err != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
		storeStatus = "unreachable"
	}

	c.JSON(status, gin.H{
		"status":             overall,
		"store":              storeStatus,
		"queue_depth":        s.engine.QueueDepth(),
		"active_invocations": s.engine.ActiveInvocations(),
		"live_tasks":         s.engine.LiveTasks(),
		"connections":        s.manager.ConnectionCount(),
	})
}

// pathID parses the :id route parameter; on failure it writes the 400 and
// reports false.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id: must be an integer"})
		return 0, false
	}
	return id, true
}
