// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package workflow implements workflow intake: validating a submission,
// persisting the Workflow, and selecting candidate volunteers by resource
// match and trust rank. It also serves the read-only workflow/status and
// workflow/result query channels and the workflow/cancel handler.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/scheduler"
	"github.com/yvespollah/coordinator/internal/store"
)

const (
	managersCollection  = "managers"
	workflowsCollection = "workflows"
	tasksCollection     = "tasks"
)

// Service wires the store the workflow handlers need.
type Service struct {
	*clog.CLogger
	store store.Store
}

// New builds a Service backed by s.
func New(s store.Store) *Service {
	return &Service{CLogger: clog.New("workflow "), store: s}
}

// Register binds every workflow handler to c.
func (svc *Service) Register(c *coordinator.Client) {
	c.Register("workflow/submit", svc.handleSubmit)
	c.Register("workflow/cancel", svc.handleCancel)
	c.Register("workflow/status", svc.handleStatus)
	c.Register("workflow/result", svc.handleResult)
}

type submitRequest struct {
	WorkflowID         string                    `json:"workflow_id"`
	WorkflowName       string                    `json:"workflow_name"`
	WorkflowType       string                    `json:"workflow_type"`
	Owner              string                    `json:"owner"`
	Description        string                    `json:"description"`
	Priority           int                       `json:"priority"`
	EstimatedResources *model.EstimatedResources `json:"estimated_resources"`
}

func (svc *Service) handleSubmit(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "workflow/submit_response"

	var in submitRequest
	if err := req.DecodeData(&in); err != nil {
		c.Publish(respChannel, map[string]any{"status": "error", "message": "Champ requis manquant: body"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	estimate := model.DefaultEstimatedResources()
	if in.EstimatedResources != nil {
		estimate = *in.EstimatedResources
	}

	var owner model.Manager
	if err := svc.store.FindOne(managersCollection, "id", in.Owner, &owner); err != nil || owner.Status == model.ManagerSuspended {
		c.Publish(respChannel, map[string]any{"status": "error", "message": "Manager not found"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	id := in.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	wf := model.Workflow{
		ID:                 id,
		Name:               in.WorkflowName,
		Description:        in.Description,
		Type:               in.WorkflowType,
		Owner:              in.Owner,
		Status:             model.WorkflowCreated,
		Priority:           in.Priority,
		EstimatedResources: estimate,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := svc.store.Insert(workflowsCollection, wf.ID, wf); err != nil {
		svc.Errorf("workflow: persisting %s failed: %v", wf.ID, err)
		c.Publish(respChannel, map[string]any{"status": "error", "message": "storage error"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	candidates, err := selectCandidates(svc.store, estimate)
	if err != nil {
		svc.Errorf("workflow: selecting volunteers for %s failed: %v", wf.ID, err)
		candidates = nil
	}

	c.Publish(respChannel, map[string]any{
		"status":      "success",
		"workflow_id": wf.ID,
		"volunteers":  candidates,
	}, coordinator.WithRequestID(req.RequestID))
}

// selectCandidates loads every volunteer and runs the shared selection
// procedure, returning the ranked candidate list.
func selectCandidates(s store.Store, estimate model.EstimatedResources) ([]model.Volunteer, error) {
	var all []model.Volunteer
	if err := s.FindAll("volunteers", &all); err != nil {
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

	req := scheduler.Resources{CPUCores: estimate.CPUCores, MemoryMB: estimate.MemoryMB, DiskMB: estimate.DiskMB, GPU: estimate.GPU}
	ranked := scheduler.Select(projected, req)

	out := make([]model.Volunteer, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, byID[r.ID])
	}
	return out, nil
}

type cancelRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func (svc *Service) handleCancel(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	respChannel := "workflow/cancel_response"

	var in cancelRequest
	if err := req.DecodeData(&in); err != nil || in.WorkflowID == "" {
		c.Publish(respChannel, map[string]any{"status": "error", "message": "Champ requis manquant: workflow_id"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	var wf model.Workflow
	if err := svc.store.FindOne(workflowsCollection, "id", in.WorkflowID, &wf); err != nil {
		c.Publish(respChannel, map[string]any{"status": "error", "message": "Workflow not found"}, coordinator.WithRequestID(req.RequestID))
		return
	}
	if wf.Status.Terminal() {
		c.Publish(respChannel, map[string]any{"status": "error", "message": "workflow already finished"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	wf.Status = model.WorkflowFailed
	wf.UpdatedAt = time.Now().UTC()
	if err := svc.store.UpdateByID(workflowsCollection, wf.ID, wf); err != nil {
		svc.Errorf("workflow: cancelling %s failed: %v", wf.ID, err)
		c.Publish(respChannel, map[string]any{"status": "error", "message": "storage error"}, coordinator.WithRequestID(req.RequestID))
		return
	}

	c.Publish(respChannel, map[string]any{"status": "success", "workflow_id": wf.ID}, coordinator.WithRequestID(req.RequestID))
}

type workflowQuery struct {
	WorkflowID string `json:"workflow_id"`
}

func (svc *Service) handleStatus(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	var in workflowQuery
	if err := req.DecodeData(&in); err != nil || in.WorkflowID == "" {
		return
	}
	var wf model.Workflow
	if err := svc.store.FindOne(workflowsCollection, "id", in.WorkflowID, &wf); err != nil {
		return
	}
	c.Publish("workflow/status", map[string]any{"workflow_id": wf.ID, "status": wf.Status}, coordinator.WithRequestID(req.RequestID), coordinator.WithMessageType(envelope.TypeResponse))
}

func (svc *Service) handleResult(ctx context.Context, c *coordinator.Client, channel string, req envelope.Message) {
	var in workflowQuery
	if err := req.DecodeData(&in); err != nil || in.WorkflowID == "" {
		return
	}
	var tasks []model.Task
	if err := svc.store.FindByField(tasksCollection, "workflow", in.WorkflowID, &tasks); err != nil {
		svc.Errorf("workflow: loading tasks for %s failed: %v", in.WorkflowID, err)
		return
	}
	c.Publish("workflow/result", map[string]any{"workflow_id": in.WorkflowID, "tasks": tasks}, coordinator.WithRequestID(req.RequestID), coordinator.WithMessageType(envelope.TypeResponse))
}
