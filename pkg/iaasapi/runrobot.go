package iaasapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// WorkIDs buckets resource ids by the operation the poller should
// dispatch for them.
type WorkIDs struct {
	Build          []int `json:"build"`
	RunningUpdate  []int `json:"running_update"`
	QuiescedUpdate []int `json:"quiesced_update"`
	Scrub          []int `json:"scrub"`
}

// RouterWorkIDs additionally buckets the quiesce/restart operations that
// only apply to VirtualRouter and VM.
type RouterWorkIDs struct {
	Build          []int `json:"build"`
	RunningUpdate  []int `json:"running_update"`
	QuiescedUpdate []int `json:"quiesced_update"`
	Quiesce        []int `json:"quiesce"`
	Restart        []int `json:"restart"`
	Scrub          []int `json:"scrub"`
}

// WorkBatch is the decoded response from run_robot's GET endpoint: the
// pending work across every resource kind for this agent's region.
type WorkBatch struct {
	ProjectIDs     []int         `json:"project_ids"`
	Backups        WorkIDs       `json:"backups"`
	Snapshots      WorkIDs       `json:"snapshots"`
	VirtualRouters RouterWorkIDs `json:"virtual_routers"`
	VMs            RouterWorkIDs `json:"vms"`
}

// Empty reports whether this batch carries no work at all.
func (b *WorkBatch) Empty() bool {
	return len(b.ProjectIDs) == 0
}

const runRobotPath = "run_robot"

// RunRobotGet fetches the next batch of pending work.
func (c *Client) RunRobotGet(ctx context.Context) (*WorkBatch, error) {
	var batch WorkBatch
	_, err := c.doRaw(ctx, "GET", runRobotPath, url.Values{}, nil, &batch, true)
	if err != nil {
		return nil, fmt.Errorf("run_robot get: %w", err)
	}
	return &batch, nil
}

// RunRobotPost acknowledges that the given project ids' work has been
// dispatched.
func (c *Client) RunRobotPost(ctx context.Context, projectIDs []int) error {
	payload, err := json.Marshal(map[string]interface{}{"project_ids": projectIDs})
	if err != nil {
		return fmt.Errorf("marshaling run_robot ack: %w", err)
	}
	_, err = c.doRaw(ctx, "POST", runRobotPath, nil, jsonReader(payload), nil, true)
	if err != nil {
		return fmt.Errorf("run_robot post: %w", err)
	}
	return nil
}
