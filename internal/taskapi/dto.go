package taskapi

import (
	"time"

	"github.com/sqlshard/taskworker/internal/task"
)

// scheduledSplitDTO is the wire shape of one task.ScheduledSplit. Split
// payloads are opaque to the execution core, so they round-trip as raw
// JSON.
type scheduledSplitDTO struct {
	SequenceId int64 `json:"sequenceId"`
	Payload    any   `json:"payload"`
}

type sourceUpdateDTO struct {
	SourceId     string              `json:"sourceId"`
	Splits       []scheduledSplitDTO `json:"splits"`
	NoMoreSplits bool                `json:"noMoreSplits"`
}

type addSourcesRequest struct {
	Updates []sourceUpdateDTO `json:"updates"`
}

func (r addSourcesRequest) toDomain() []task.SourceUpdate {
	updates := make([]task.SourceUpdate, len(r.Updates))
	for i, u := range r.Updates {
		splits := make([]task.ScheduledSplit, len(u.Splits))
		for j, s := range u.Splits {
			splits[j] = task.ScheduledSplit{
				SequenceId: s.SequenceId,
				Split:      task.Split{Payload: s.Payload},
			}
		}
		updates[i] = task.SourceUpdate{
			SourceId:     task.PlanNodeId(u.SourceId),
			Splits:       splits,
			NoMoreSplits: u.NoMoreSplits,
		}
	}
	return updates
}

type addResultQueueRequest struct {
	OutputIds     []string `json:"outputIds"`
	NoMoreBuffers bool     `json:"noMoreBuffers"`
}

func (r addResultQueueRequest) toDomain() task.OutputBuffers {
	ids := make([]task.OutputId, len(r.OutputIds))
	for i, id := range r.OutputIds {
		ids[i] = task.OutputId(id)
	}
	return task.OutputBuffers{OutputIds: ids, NoMoreBuffers: r.NoMoreBuffers}
}

type pageDTO struct {
	Payload any   `json:"payload"`
	Bytes   int64 `json:"bytes"`
}

type bufferResultResponse struct {
	Pages          []pageDTO `json:"pages"`
	SequenceIds    []int64   `json:"sequenceIds"`
	NextSequenceId int64     `json:"nextSequenceId"`
	BufferComplete bool      `json:"bufferComplete"`
}

func toBufferResultResponse(r task.BufferResult) bufferResultResponse {
	pages := make([]pageDTO, len(r.Pages))
	for i, p := range r.Pages {
		pages[i] = pageDTO{Payload: p.Payload, Bytes: p.Bytes}
	}
	return bufferResultResponse{
		Pages:          pages,
		SequenceIds:    r.SequenceIds,
		NextSequenceId: r.NextSequenceId,
		BufferComplete: r.BufferComplete,
	}
}

type taskInfoResponse struct {
	TaskId               string    `json:"taskId"`
	Version              int64     `json:"version"`
	State                string    `json:"state"`
	LastHeartbeat        time.Time `json:"lastHeartbeat,omitempty"`
	ClosedSources        []string  `json:"closedSources"`
	RemainingDriverCount int64     `json:"remainingDriverCount"`
	BufferedBytes        int64     `json:"bufferedBytes"`
	BufferFinished       bool      `json:"bufferFinished"`
	StartedAt            time.Time `json:"startedAt,omitempty"`
	FinishedAt           time.Time `json:"finishedAt,omitempty"`
	DriverCount          int64     `json:"driverCount"`
	SplitCount           int64     `json:"splitCount"`
	Failures             []string  `json:"failures,omitempty"`
}

func toTaskInfoResponse(info task.TaskInfo) taskInfoResponse {
	closed := make([]string, len(info.ClosedSources))
	for i, s := range info.ClosedSources {
		closed[i] = string(s)
	}
	return taskInfoResponse{
		TaskId:               string(info.TaskId),
		Version:              info.Version,
		State:                info.State.String(),
		LastHeartbeat:        info.LastHeartbeat,
		ClosedSources:        closed,
		RemainingDriverCount: info.RemainingDriverCount,
		BufferedBytes:        info.BufferedBytes,
		BufferFinished:       info.BufferFinished,
		StartedAt:            info.StartedAt,
		FinishedAt:           info.FinishedAt,
		DriverCount:          info.DriverCount,
		SplitCount:           info.SplitCount,
		Failures:             info.Failures,
	}
}
