// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package performance

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/store/bunt"
	"github.com/yvespollah/coordinator/internal/wire"
)

type fakePeer struct {
	mu        sync.Mutex
	published []wire.Frame
}

func (p *fakePeer) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		if frame.Command == "PUBLISH" {
			p.mu.Lock()
			p.published = append(p.published, frame)
			p.mu.Unlock()
		}
		conn.Write([]byte("+OK\r\n"))
	}
}

func (p *fakePeer) find(channel string) (wire.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.published) - 1; i >= 0; i-- {
		if p.published[i].Args[0] == channel {
			return p.published[i], true
		}
	}
	return wire.Frame{}, false
}

func waitForPublish(t *testing.T, peer *fakePeer, channel string) wire.Frame {
	t.Helper()
	require.Eventually(t, func() bool { _, ok := peer.find(channel); return ok }, time.Second, time.Millisecond)
	f, _ := peer.find(channel)
	return f
}

func newTestService(t *testing.T) (*Service, *coordinator.Client, *fakePeer) {
	t.Helper()
	s, err := bunt.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	peer := &fakePeer{}
	go peer.serve(server)

	c := coordinator.New("unused:0", "coordinator-1", "", nil)
	c.Attach(client)

	return New(s), c, peer
}

func requestEnvelope(t *testing.T, data any) envelope.Message {
	t.Helper()
	msg, err := envelope.New("volunteer", "v-1", envelope.TypeEvent, data, "")
	require.NoError(t, err)
	return msg
}

func seedVolunteer(t *testing.T, svc *Service, resources model.EstimatedResources) string {
	t.Helper()
	v := model.Volunteer{
		ID: uuid.NewString(), Username: uuid.NewString(), Status: model.VolunteerAvailable,
		CPUCores: resources.CPUCores, TotalRAMMB: resources.MemoryMB, AvailableStorageGB: resources.DiskMB / 1024,
		GPUAvailable: resources.GPU,
	}
	require.NoError(t, svc.store.Insert(volunteersCollection, v.ID, v, "username"))
	return v.ID
}

func TestTaskStatusRecomputesTrustScoreOnCompletion(t *testing.T) {
	svc, c, _ := newTestService(t)
	ctx := context.Background()
	volunteerID := seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10240})

	evt := requestEnvelope(t, taskStatusEvent{TaskID: "t-1", VolunteerID: volunteerID, Status: "completed"})
	svc.handleTaskStatus(ctx, c, "task/status", evt)

	var v model.Volunteer
	require.NoError(t, svc.store.FindOne(volunteersCollection, "id", volunteerID, &v))
	require.Equal(t, 1, v.Performance.TasksTotal)
	require.Equal(t, 1, v.Performance.TasksCompleted)
	require.Equal(t, float64(100), v.Performance.TrustScore)
}

func TestTaskStatusIsIdempotentForRepeatedIdenticalEvent(t *testing.T) {
	svc, c, _ := newTestService(t)
	ctx := context.Background()
	volunteerID := seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10240})

	evt := requestEnvelope(t, taskStatusEvent{TaskID: "t-1", VolunteerID: volunteerID, Status: "completed"})
	svc.handleTaskStatus(ctx, c, "task/status", evt)
	svc.handleTaskStatus(ctx, c, "task/status", evt)
	svc.handleTaskStatus(ctx, c, "task/status", evt)

	var v model.Volunteer
	require.NoError(t, svc.store.FindOne(volunteersCollection, "id", volunteerID, &v))
	require.Equal(t, 1, v.Performance.TasksTotal)
	require.Equal(t, 1, v.Performance.TasksCompleted)
}

func TestTaskStatusIgnoresNonTerminalStatus(t *testing.T) {
	svc, c, _ := newTestService(t)
	ctx := context.Background()
	volunteerID := seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10240})

	evt := requestEnvelope(t, taskStatusEvent{TaskID: "t-1", VolunteerID: volunteerID, Status: "running"})
	svc.handleTaskStatus(ctx, c, "task/status", evt)

	var v model.Volunteer
	require.NoError(t, svc.store.FindOne(volunteersCollection, "id", volunteerID, &v))
	require.Equal(t, 0, v.Performance.TasksTotal)
}

func TestTaskAssignmentMarksVolunteerBusy(t *testing.T) {
	svc, c, _ := newTestService(t)
	ctx := context.Background()
	volunteerID := seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 4, MemoryMB: 4096, DiskMB: 10240})

	evt := requestEnvelope(t, taskAssignmentEvent{TaskID: "t-1", VolunteerID: volunteerID})
	svc.handleTaskAssignment(ctx, c, "task/assignment", evt)

	var v model.Volunteer
	require.NoError(t, svc.store.FindOne(volunteersCollection, "id", volunteerID, &v))
	require.Equal(t, model.VolunteerBusy, v.Status)
}

func TestReassignmentAssignsTopCandidateWhenAvailable(t *testing.T) {
	svc, c, peer := newTestService(t)
	ctx := context.Background()
	volunteerID := seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 8, MemoryMB: 8192, DiskMB: 20480})

	task := model.Task{ID: "t-1", Status: model.TaskFailed, RequiredResources: model.EstimatedResources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500}}
	require.NoError(t, svc.store.Insert(tasksCollection, task.ID, task))

	req := requestEnvelope(t, reassignmentRequest{TaskID: "t-1"})
	svc.handleTaskReassignment(ctx, c, "task/reassignment", req)

	frame := waitForPublish(t, peer, "task/reassignment/response")
	resp, err := envelope.Decode([]byte(frame.Args[1]))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, resp.DecodeData(&body))
	require.Equal(t, true, body["success"])
	require.Equal(t, volunteerID, body["volunteer_id"])

	var persisted model.Task
	require.NoError(t, svc.store.FindOne(tasksCollection, "id", "t-1", &persisted))
	require.Equal(t, model.TaskAssigned, persisted.Status)
	require.Equal(t, volunteerID, persisted.AssignedVolunteer)
	require.Equal(t, 1, persisted.Attempts)
}

// TestReassignmentReportsNoCandidateWhenRequirementExceedsEveryVolunteer
// covers the end-to-end scenario: a task whose resource estimate exceeds
// every volunteer's capacity gets pending_reassignment persisted and an
// explicit no-candidate error, rather than silently staying failed.
func TestReassignmentReportsNoCandidateWhenRequirementExceedsEveryVolunteer(t *testing.T) {
	svc, c, peer := newTestService(t)
	ctx := context.Background()
	seedVolunteer(t, svc, model.EstimatedResources{CPUCores: 2, MemoryMB: 2048, DiskMB: 5120})

	task := model.Task{ID: "t-1", Status: model.TaskFailed, RequiredResources: model.EstimatedResources{CPUCores: 64, MemoryMB: 65536, DiskMB: 1048576}}
	require.NoError(t, svc.store.Insert(tasksCollection, task.ID, task))

	req := requestEnvelope(t, reassignmentRequest{TaskID: "t-1"})
	svc.handleTaskReassignment(ctx, c, "task/reassignment", req)

	frame := waitForPublish(t, peer, "task/reassignment/response")
	resp, err := envelope.Decode([]byte(frame.Args[1]))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, resp.DecodeData(&body))
	require.Equal(t, false, body["success"])
	require.Equal(t, "Aucun volontaire disponible", body["error"])

	var persisted model.Task
	require.NoError(t, svc.store.FindOne(tasksCollection, "id", "t-1", &persisted))
	require.Equal(t, model.TaskPendingReassign, persisted.Status)
}
