package taskapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sqlshard/taskworker/internal/task"
)

const defaultMaxWait = 30 * time.Second

// Handlers binds the registry to the echo routes of the HTTP control
// surface. Every handler resolves :taskId through the registry first, so an
// unknown task is reported uniformly as 404 regardless of which operation
// was requested.
type Handlers struct {
	registry *Registry
}

func NewHandlers(registry *Registry) *Handlers {
	return &Handlers{registry: registry}
}

// Register installs every route on e.
func (h *Handlers) Register(e *echo.Echo) {
	g := e.Group("/v1/tasks")
	g.POST("/:taskId/sources", h.addSources)
	g.POST("/:taskId/outputs", h.addResultQueue)
	g.GET("/:taskId/results/:outputId", h.getResults)
	g.DELETE("/:taskId/results/:outputId", h.abortResults)
	g.POST("/:taskId/cancel", h.cancel)
	g.GET("/:taskId", h.getTaskInfo)
	g.POST("/:taskId/heartbeat", h.recordHeartbeat)
}

func (h *Handlers) resolveTask(c echo.Context) (*task.TaskExecution, error) {
	id := task.TaskId(c.Param("taskId"))
	te, ok := h.registry.Get(id)
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return te, nil
}

func writeError(c echo.Context, err error) error {
	return c.JSON(httpStatusFor(err), errorResponse{Error: err.Error()})
}

func (h *Handlers) addSources(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}

	var req addSourcesRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, task.NewTaskError(task.ErrClassProtocolMisuse, err, "addSources: malformed request body"))
	}

	if err := te.AddSources(c.Request().Context(), req.toDomain()); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) addResultQueue(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}

	var req addResultQueueRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, task.NewTaskError(task.ErrClassProtocolMisuse, err, "addResultQueue: malformed request body"))
	}

	if err := te.AddResultQueue(req.toDomain()); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) getResults(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}

	outputId := task.OutputId(c.Param("outputId"))

	startingSeq, err := parseInt64Query(c, "startingSequenceId", 0)
	if err != nil {
		return writeError(c, task.NewTaskError(task.ErrClassProtocolMisuse, err, "getResults: malformed startingSequenceId"))
	}
	maxSize, err := parseInt64Query(c, "maxSize", 1<<20)
	if err != nil {
		return writeError(c, task.NewTaskError(task.ErrClassProtocolMisuse, err, "getResults: malformed maxSize"))
	}
	maxWait := defaultMaxWait
	if raw := c.QueryParam("maxWait"); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil {
			return writeError(c, task.NewTaskError(task.ErrClassProtocolMisuse, perr, "getResults: malformed maxWait"))
		}
		maxWait = d
	}

	result, err := te.GetResults(outputId, startingSeq, maxSize, maxWait)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toBufferResultResponse(result))
}

func (h *Handlers) abortResults(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}
	te.AbortResults(task.OutputId(c.Param("outputId")))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) cancel(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}
	te.Cancel()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) getTaskInfo(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTaskInfoResponse(te.GetTaskInfo()))
}

func (h *Handlers) recordHeartbeat(c echo.Context) error {
	te, err := h.resolveTask(c)
	if err != nil {
		return writeError(c, err)
	}
	te.RecordHeartbeat()
	return c.NoContent(http.StatusNoContent)
}

func parseInt64Query(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
