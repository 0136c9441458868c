package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/dchest/uniuri"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// maxFinishedTasks is how many finished tasks a server remembers
const maxFinishedTasks = 100

type httpServer struct {
	ctx          context.Context
	orchestrator versisect.Orchestrator
	sem          *semaphore.Weighted
	log          *logrus.Logger

	registry *prometheus.Registry
	router   *gin.Engine

	mu          sync.Mutex
	tasks       map[string]*taskRecord
	finished    []string // Ids of finished tasks, oldest first
	maxFinished int      // How many finished tasks are kept around for polling

	wg sync.WaitGroup
}

func newHTTPServer(ctx context.Context, orchestrator *versisect.Orchestrator, maxConcurrent uint, log *logrus.Logger) *httpServer {
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}
	h := &httpServer{
		ctx:          ctx,
		orchestrator: *orchestrator,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		log:          log,
		registry:     prometheus.NewRegistry(),
		tasks:        make(map[string]*taskRecord),
		maxFinished:  maxFinishedTasks,
	}
	h.orchestrator.Metrics = versisect.NewMetrics(h.registry)

	router := gin.New()
	router.Use(gin.LoggerWithWriter(log.WriterLevel(logrus.DebugLevel)), gin.Recovery(), localOrigin)

	router.GET("/versions", h.getVersions)
	router.POST("/tasks/test", requireJSON, h.postTestTask)
	router.POST("/tasks/bisect", requireJSON, h.postBisectTask)
	router.GET("/tasks/:taskId", h.getTask)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	h.router = router
	return h
}

func (h *httpServer) Handler() http.Handler {
	return h.router
}

func (h *httpServer) Wait() {
	h.wg.Wait()
}

type versionResponse struct {
	Version  string `json:"version"`
	Channel  string `json:"channel"`
	Obsolete bool   `json:"obsolete"`
	Source   string `json:"source"`
}

// filterRequest is the channel filter of a request, mirroring the channel flags of the command line
type filterRequest struct {
	Betas     *bool `json:"betas" form:"betas"`
	Nightlies *bool `json:"nightlies" form:"nightlies"`
	Obsolete  *bool `json:"obsolete" form:"obsolete"`
}

func (f filterRequest) filter() versisect.ChannelFilter {
	var filter versisect.ChannelFilter
	apply := func(flag *bool, c versisect.Channel) {
		if flag == nil {
			return
		}
		if *flag {
			filter.Show = append(filter.Show, c)
		} else {
			filter.Hide = append(filter.Hide, c)
		}
	}
	apply(f.Betas, versisect.Beta)
	apply(f.Nightlies, versisect.Nightly)
	filter.IncludeObsolete = f.Obsolete
	return filter
}

type taskRequest struct {
	filterRequest

	Fiddle string            `json:"fiddle"` // A gist id, gist URL or directory on the server
	Files  map[string]string `json:"files"`  // The files of an inline fiddle, used instead of Fiddle

	LogConfig bool `json:"logConfig"`
}

func (r taskRequest) fiddleSource() (versisect.FiddleSource, error) {
	if len(r.Files) > 0 {
		return versisect.InlineFiddle{Files: r.Files}, nil
	}
	if r.Fiddle == "" {
		return nil, &versisect.UsageError{Msg: "either fiddle or files has to be set"}
	}
	return versisect.ParseFiddleSource(r.Fiddle, "")
}

type testTaskRequest struct {
	taskRequest
	Version string `json:"version"`
}

type bisectTaskRequest struct {
	taskRequest
	Good string `json:"good" binding:"required"`
	Bad  string `json:"bad" binding:"required"`
}

type taskResponse struct {
	TaskID   string       `json:"taskId"`
	Kind     string       `json:"kind"`
	State    string       `json:"state"`
	ExitCode *int         `json:"exitCode,omitempty"`
	Output   []outputLine `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *httpServer) getVersions(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	versions := []versionResponse{}
	for _, v := range h.orchestrator.Catalog.Filter(req.filter()) {
		versions = append(versions, versionResponse{
			Version:  v.Version,
			Channel:  string(v.Channel),
			Obsolete: v.Obsolete,
			Source:   string(v.Source),
		})
	}
	c.JSON(http.StatusOK, versions)
}

func (h *httpServer) postTestTask(c *gin.Context) {
	var req testTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	fiddle, err := req.fiddleSource()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.submit(c, versisect.TestTask{
		Fiddle:    fiddle,
		Version:   req.Version,
		Filter:    req.filter(),
		LogConfig: req.LogConfig,
	}, "test")
}

func (h *httpServer) postBisectTask(c *gin.Context) {
	var req bisectTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	fiddle, err := req.fiddleSource()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.submit(c, versisect.BisectTask{
		Fiddle:      fiddle,
		GoodVersion: req.Good,
		BadVersion:  req.Bad,
		Filter:      req.filter(),
		LogConfig:   req.LogConfig,
	}, "bisect")
}

// submit validates task and executes it in the background
func (h *httpServer) submit(c *gin.Context, task versisect.Task, kind string) {
	if err := versisect.ValidateTask(task); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	record := newTaskRecord(uniuri.New(), kind)
	h.mu.Lock()
	h.tasks[record.id] = record
	h.mu.Unlock()

	orchestrator := h.orchestrator
	orchestrator.Stdout = recordWriter{record: record}
	orchestrator.Stderr = recordWriter{record: record, stderr: true}

	log := h.log.WithFields(logrus.Fields{"task-id": record.id, "kind": kind})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		if err := h.sem.Acquire(h.ctx, 1); err != nil {
			log.Infof("Task cancelled before it started")
			record.finish(versisect.ExitInvalid)
			h.retire(record.id)
			return
		}
		defer h.sem.Release(1)

		record.setState(stateRunning)
		log.Infof("Task started")
		code := orchestrator.Run(h.ctx, task)
		log.Infof("Task finished with exit code %d", code)
		record.finish(code)
		h.retire(record.id)
	}()

	c.JSON(http.StatusAccepted, record.response())
}

// retire marks a task as finished and forgets the oldest finished tasks beyond maxFinished
func (h *httpServer) retire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, id)
	for len(h.finished) > h.maxFinished {
		delete(h.tasks, h.finished[0])
		h.finished = h.finished[1:]
	}
}

func (h *httpServer) lookup(id string) (*taskRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, found := h.tasks[id]
	return record, found
}

func (h *httpServer) getTask(c *gin.Context) {
	record, found := h.lookup(c.Param("taskId"))
	if !found {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	resp := record.response()
	if from, err := strconv.Atoi(c.Query("from")); err == nil && from > 0 {
		if from > len(resp.Output) {
			from = len(resp.Output)
		}
		resp.Output = resp.Output[from:]
	}
	c.JSON(http.StatusOK, resp)
}
