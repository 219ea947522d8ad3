package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/types"
)

// recordingDispatcher captures every job handed to it instead of running
// a real worker, so tests can assert on routing without standing up the
// whole Env.
func recordingDispatcher() (*dispatcher.Dispatcher, func() []dispatcher.Job) {
	var mu sync.Mutex
	var jobs []dispatcher.Job
	d := dispatcher.New(func(_ context.Context, _ *dispatcher.Dispatcher, job dispatcher.Job) {
		mu.Lock()
		defer mu.Unlock()
		jobs = append(jobs, job)
	})
	return d, func() []dispatcher.Job {
		mu.Lock()
		defer mu.Unlock()
		out := make([]dispatcher.Job, len(jobs))
		copy(out, jobs)
		return out
	}
}

func sampleBatch() *iaasapi.WorkBatch {
	return &iaasapi.WorkBatch{
		ProjectIDs: []int{1, 2},
		Backups:    iaasapi.WorkIDs{Build: []int{10}, Scrub: []int{11}},
		Snapshots:  iaasapi.WorkIDs{RunningUpdate: []int{20}},
		VMs: iaasapi.RouterWorkIDs{
			Build:   []int{30},
			Quiesce: []int{31},
			Restart: []int{32},
		},
		VirtualRouters: iaasapi.RouterWorkIDs{
			Build: []int{40},
			Scrub: []int{41},
		},
	}
}

func TestDispatchBatchRoutesEveryBucket(t *testing.T) {
	d, jobs := recordingDispatcher()
	l := &Loop{dispatcher: d, cfg: config.Config{VirtualRoutersEnabled: true}}

	n := l.dispatchBatch(sampleBatch())
	assert.Equal(t, 7, n)

	waitForJobs(t, jobs, 7)
	got := jobs()

	assertContains(t, got, types.KindBackup, "build", 10)
	assertContains(t, got, types.KindBackup, "scrub", 11)
	assertContains(t, got, types.KindSnapshot, "running_update", 20)
	assertContains(t, got, types.KindVM, "build", 30)
	assertContains(t, got, types.KindVM, "quiesce", 31)
	assertContains(t, got, types.KindVM, "restart", 32)
	assertContains(t, got, types.KindVirtualRouter, "build", 40)
}

func TestDispatchBatchSkipsVirtualRoutersWhenDisabled(t *testing.T) {
	d, jobs := recordingDispatcher()
	l := &Loop{dispatcher: d, cfg: config.Config{VirtualRoutersEnabled: false}}

	n := l.dispatchBatch(sampleBatch())
	assert.Equal(t, 5, n)

	waitForJobs(t, jobs, 5)
	for _, j := range jobs() {
		assert.NotEqual(t, types.KindVirtualRouter, j.Kind)
	}
}

func TestDispatchBatchOriginIsPoll(t *testing.T) {
	d, jobs := recordingDispatcher()
	l := &Loop{dispatcher: d, cfg: config.Config{VirtualRoutersEnabled: true}}

	l.dispatchBatch(&iaasapi.WorkBatch{Backups: iaasapi.WorkIDs{Build: []int{1}}})
	waitForJobs(t, jobs, 1)
	assert.Equal(t, "poll", jobs()[0].Origin)
}

func TestUntilNextMidnightIsWithinADay(t *testing.T) {
	d := untilNextMidnight()
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 24*time.Hour)
}

func waitForJobs(t *testing.T, jobs func() []dispatcher.Job, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(jobs()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d jobs, got %d", n, len(jobs()))
}

func assertContains(t *testing.T, jobs []dispatcher.Job, kind types.ResourceKind, op string, id int) {
	t.Helper()
	for _, j := range jobs {
		if j.Kind == kind && j.Operation == op && j.ID == id {
			return
		}
	}
	t.Fatalf("expected job {kind=%s operation=%s id=%d} not found in %+v", kind, op, id, jobs)
}
