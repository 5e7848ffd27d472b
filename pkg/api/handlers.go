package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/netpulse/netpulse/pkg/dispatcher"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/types"
)

const (
	codeOK    = 200
	codeError = -1
)

// envelope is the uniform response body: code 200 on success, -1 on failure.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Code: codeOK, Message: "success", Data: data})
}

func fail(c *gin.Context, err error) {
	e := types.AsError(err, types.ErrKindValidation)
	c.JSON(statusOf(e.Kind), envelope{Code: codeError, Message: e.Message, Data: e})
}

func statusOf(kind types.ErrorKind) int {
	switch kind {
	case types.ErrKindValidation:
		return http.StatusBadRequest
	case types.ErrKindAuthentication:
		return http.StatusForbidden
	case types.ErrKindHostAlreadyPinned:
		return http.StatusConflict
	case types.ErrKindStoreUnavailable,
		types.ErrKindWorkerUnavailable,
		types.ErrKindCapacityExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleExecute(c *gin.Context) {
	var body deviceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.Errorf(types.ErrKindValidation, "invalid request body: %v", err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		fail(c, err)
		return
	}
	job, err := s.disp.Execute(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, jobReceipt(job))
}

func (s *Server) handleBulk(c *gin.Context) {
	var body bulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.Errorf(types.ErrKindValidation, "invalid request body: %v", err))
		return
	}
	reqs, err := body.toRequests()
	if err != nil {
		fail(c, err)
		return
	}

	items := s.disp.ExecuteBulk(c.Request.Context(), reqs)
	out := bulkResponse{Succeeded: []jobInResponse{}, Failed: []string{}}
	for i, item := range items {
		if item.Err != nil {
			out.Failed = append(out.Failed, reqs[i].ConnArgs.Host())
			continue
		}
		out.Succeeded = append(out.Succeeded, jobReceipt(item.Job))
	}
	ok(c, http.StatusCreated, out)
}

func (s *Server) handleTestConnection(c *gin.Context) {
	var body testConnectionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.Errorf(types.ErrKindValidation, "invalid request body: %v", err))
		return
	}
	req := &types.Request{
		Driver:     body.Driver,
		ConnArgs:   body.ConnArgs,
		Operation:  types.Operation{Kind: types.OperationQuery},
		DriverArgs: body.DriverArgs,
		Options:    body.Options,
	}

	start := time.Now()
	res := s.disp.TestConnection(c.Request.Context(), req)
	elapsed := time.Since(start).Seconds()

	out := testConnectionResponse{ConnectionTime: elapsed}
	if res.Type == types.ResultSuccess {
		out.Success = true
		out.DeviceInfo = res.Retval
	} else if res.Error != nil {
		out.ErrorMessage = res.Error.Message
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) handleListJobs(c *gin.Context) {
	// An id lookup wins over every other filter.
	if id := c.Query("id"); id != "" {
		job, found, err := s.disp.GetJob(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		jobs := []*types.Job{}
		if found {
			jobs = append(jobs, job)
		}
		ok(c, http.StatusOK, jobs)
		return
	}

	filter := dispatcher.JobFilter{
		Queue:  c.Query("queue"),
		Status: types.JobStatus(c.Query("status")),
		Host:   c.Query("host"),
		Worker: c.Query("worker"),
	}
	jobs, err := s.disp.ListJobs(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	job, found, err := s.disp.GetJob(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, envelope{Code: codeError, Message: "job not found"})
		return
	}
	ok(c, http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	s.cancelOne(c, c.Param("id"))
}

// cancelOne reports how many jobs the cancellation removed: one when the
// job was still queued at the moment of removal, zero in every other case.
func (s *Server) cancelOne(c *gin.Context, id string) {
	out := cancelResponse{CancelledJobs: []string{}}
	_, err := s.disp.CancelQueued(c.Request.Context(), id)
	switch {
	case err == nil:
		out.CancelledCount = 1
		out.CancelledJobs = append(out.CancelledJobs, id)
	case types.IsKind(err, types.ErrKindValidation):
		// Not found, already claimed, or already terminal: nothing cancelled.
	default:
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) handleCancelJobs(c *gin.Context) {
	if id := c.Query("id"); id != "" {
		s.cancelOne(c, id)
		return
	}

	filter := dispatcher.JobFilter{
		Queue:  c.Query("queue"),
		Status: types.JobStatus(c.Query("status")),
		Host:   c.Query("host"),
		Worker: c.Query("worker"),
	}
	ids, err := s.disp.CancelMatching(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, cancelResponse{CancelledCount: len(ids), CancelledJobs: ids})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	recs, err := s.disp.ListWorkers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, recs)
}

func (s *Server) handleGetWorker(c *gin.Context) {
	rec, found, err := s.disp.GetWorker(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, envelope{Code: codeError, Message: "worker not found"})
		return
	}
	ok(c, http.StatusOK, rec)
}

func (s *Server) handleTerminateWorker(c *gin.Context) {
	name := c.Param("name")
	if err := s.disp.TerminateWorker(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, []string{name})
}

// handleTerminateWorkers terminates every worker matching the query
// filters and reports the names it signalled.
func (s *Server) handleTerminateWorkers(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		if err := s.disp.TerminateWorker(c.Request.Context(), name); err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, []string{name})
		return
	}

	recs, err := s.disp.ListWorkers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	queue := c.Query("queue")
	node := c.Query("node")
	host := c.Query("host")
	terminated := []string{}
	for _, rec := range recs {
		if !workerMatches(rec, queue, node, host) {
			continue
		}
		if err := s.disp.TerminateWorker(c.Request.Context(), rec.Name); err != nil {
			continue
		}
		terminated = append(terminated, rec.Name)
	}
	ok(c, http.StatusOK, terminated)
}

func workerMatches(rec *types.WorkerRecord, queue, node, host string) bool {
	if node != "" && rec.NodeID != node {
		return false
	}
	if queue != "" && !containsQueue(rec.Queues, queue) {
		return false
	}
	if host != "" && !containsQueue(rec.Queues, "pinned:"+host) {
		return false
	}
	return true
}

func containsQueue(queues []string, want string) bool {
	for _, q := range queues {
		if q == want {
			return true
		}
	}
	return false
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.disp.ListNodes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nodes)
}

func (s *Server) handleDrainNode(c *gin.Context) {
	if err := s.disp.DrainNode(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"draining": c.Param("id")})
}

func (s *Server) handleQueueDepths(c *gin.Context) {
	depths, err := s.disp.QueueDepths(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, depths)
}

func (s *Server) handleHealth(c *gin.Context) {
	results := s.checks.Run(c.Request.Context())
	if !health.Healthy(results) {
		c.JSON(http.StatusServiceUnavailable, envelope{
			Code:    codeError,
			Message: "unhealthy",
			Data:    results,
		})
		return
	}
	ok(c, http.StatusOK, "ok")
}
