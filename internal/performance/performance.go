// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package performance consumes task outcome and assignment events:
// accounting a Volunteer's trust score idempotently off task/status,
// marking a Volunteer busy off task/assignment, and, on task/reassignment,
// re-running selection for a task whose current assignment has failed.
package performance

import (
	"context"
	"time"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/scheduler"
	"github.com/yvespollah/coordinator/internal/store"
)

const (
	volunteersCollection = "volunteers"
	tasksCollection      = "tasks"

	memoTTL     = 10 * time.Minute
	memoMaxSize = 10000
)

var completedOutcomes = map[string]bool{"completed": true, "success": true, "done": true}
var failedOutcomes = map[string]bool{"failed": true, "error": true, "timeout": true}

// Service wires the store the performance handlers need and the
// deduplication memo guarding idempotent status accounting.
type Service struct {
	*clog.CLogger
	store store.Store
	seen  *memo
}

// New builds a Service backed by s.
func New(s store.Store) *Service {
	return &Service{CLogger: clog.New("performance "), store: s, seen: newMemo(memoTTL, memoMaxSize)}
}

// Register binds every performance handler to c.
func (svc *Service) Register(c *coordinator.Client) {
	c.Register("task/status", svc.handleTaskStatus)
	c.Register("task/assignment", svc.handleTaskAssignment)
	c.Register("task/reassignment", svc.handleTaskReassignment)
}

type taskStatusEvent struct {
	TaskID      string `json:"task_id"`
	VolunteerID string `json:"volunteer_id"`
	Status      string `json:"status"`
}

// handleTaskStatus accounts a terminal task outcome against the reporting
// Volunteer's Performance exactly once per (volunteer_id, task_id, status).
func (svc *Service) handleTaskStatus(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	var in taskStatusEvent
	if err := req.DecodeData(&in); err != nil || in.VolunteerID == "" || in.TaskID == "" {
		return
	}

	status := in.Status
	completed := completedOutcomes[status]
	failed := failedOutcomes[status]
	if !completed && !failed {
		return
	}

	key := in.VolunteerID + "|" + in.TaskID + "|" + status
	if svc.seen.seenRecently(key, time.Now()) {
		return
	}

	var v model.Volunteer
	if err := svc.store.FindOne(volunteersCollection, "id", in.VolunteerID, &v); err != nil {
		svc.Errorf("performance: volunteer %s not found for task %s: %v", in.VolunteerID, in.TaskID, err)
		return
	}

	v.Performance.TasksTotal++
	if completed {
		v.Performance.TasksCompleted++
	} else {
		v.Performance.TasksFailed++
	}
	v.Performance.Recompute()
	v.Status = model.VolunteerAvailable
	v.LastActivity = time.Now().UTC()

	if err := svc.store.UpdateByID(volunteersCollection, v.ID, v); err != nil {
		svc.Errorf("performance: updating volunteer %s failed: %v", v.ID, err)
	}
}

type taskAssignmentEvent struct {
	TaskID      string `json:"task_id"`
	VolunteerID string `json:"volunteer_id"`
}

// handleTaskAssignment marks the assigned Volunteer busy and stamps its
// last-activity time.
func (svc *Service) handleTaskAssignment(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	var in taskAssignmentEvent
	if err := req.DecodeData(&in); err != nil || in.VolunteerID == "" {
		return
	}

	var v model.Volunteer
	if err := svc.store.FindOne(volunteersCollection, "id", in.VolunteerID, &v); err != nil {
		svc.Errorf("performance: volunteer %s not found for assignment: %v", in.VolunteerID, err)
		return
	}

	v.Status = model.VolunteerBusy
	v.LastActivity = time.Now().UTC()
	if err := svc.store.UpdateByID(volunteersCollection, v.ID, v); err != nil {
		svc.Errorf("performance: marking volunteer %s busy failed: %v", v.ID, err)
	}
}

type reassignmentRequest struct {
	TaskID string `json:"task_id"`
}

// handleTaskReassignment moves a Task into pending_reassignment and attempts
// to hand it to a new candidate, replying with either the new assignee or an
// explicit no-candidate error.
func (svc *Service) handleTaskReassignment(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "task/reassignment/response"

	var in reassignmentRequest
	if err := req.DecodeData(&in); err != nil || in.TaskID == "" {
		c.Publish(respChannel, map[string]any{"success": false, "error": "Champ requis manquant: task_id"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	var task model.Task
	if err := svc.store.FindOne(tasksCollection, "id", in.TaskID, &task); err != nil {
		c.Publish(respChannel, map[string]any{"success": false, "error": "Task not found"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	task.Status = model.TaskPendingReassign
	task.Attempts++
	if err := svc.store.UpdateByID(tasksCollection, task.ID, task); err != nil {
		svc.Errorf("performance: persisting pending_reassignment for %s failed: %v", task.ID, err)
		c.Publish(respChannel, map[string]any{"success": false, "error": "storage error"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	candidates, err := selectCandidates(svc.store, task.RequiredResources)
	if err != nil {
		svc.Errorf("performance: selecting candidates for %s failed: %v", task.ID, err)
		candidates = nil
	}
	if len(candidates) == 0 {
		c.Publish(respChannel, map[string]any{"success": false, "error": "Aucun volontaire disponible"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	winner := candidates[0]
	task.AssignedVolunteer = winner.ID
	task.Status = model.TaskAssigned
	if err := svc.store.UpdateByID(tasksCollection, task.ID, task); err != nil {
		svc.Errorf("performance: assigning %s to %s failed: %v", task.ID, winner.ID, err)
		c.Publish(respChannel, map[string]any{"success": false, "error": "storage error"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	c.Publish(respChannel, map[string]any{"success": true, "volunteer_id": winner.ID}, coordinator.WithRequestID(req.RequestID))
}

// selectCandidates mirrors workflow.selectCandidates: the selection
// procedure is a thin, stateless call-out to scheduler.Select and is cheap
// enough to repeat here rather than reach across package boundaries for it.
func selectCandidates(s store.Store, required model.EstimatedResources) ([]model.Volunteer, error) {
	var all []model.Volunteer
	if err := s.FindAll(volunteersCollection, &all); err != nil {
		return nil, err
	}

	byID := make(map[string]model.Volunteer, len(all))
	projected := make([]scheduler.Volunteer, 0, len(all))
	for _, v := range all {
		byID[v.ID] = v
		r := v.Resources()
		projected = append(projected, scheduler.Volunteer{
			ID:             v.ID,
			Available:      v.Status == model.VolunteerAvailable,
			Resources:      scheduler.Resources{CPUCores: r.CPUCores, MemoryMB: r.MemoryMB, DiskMB: r.DiskMB, GPU: r.GPU},
			TrustScore:     v.Performance.TrustScore,
			TasksCompleted: v.Performance.TasksCompleted,
		})
	}

	req := scheduler.Resources{CPUCores: required.CPUCores, MemoryMB: required.MemoryMB, DiskMB: required.DiskMB, GPU: required.GPU}
	ranked := scheduler.Select(projected, req)

	out := make([]model.Volunteer, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, byID[r.ID])
	}
	return out, nil
}
