package decoy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
)

func TestFixedBaselinePlan(t *testing.T) {
	t.Parallel()

	m := NewFixedBaseline(3, 0)
	plan := m.Plan(time.Now())
	if plan[model.PlatformIOS] != 3 || plan[model.PlatformAndroid] != 3 {
		t.Fatalf("plan = %v, want 3 per platform", plan)
	}

	jittered := NewFixedBaseline(2, 4)
	for i := 0; i < 100; i++ {
		plan := jittered.Plan(time.Now())
		for p, n := range plan {
			if n < 2 || n > 6 {
				t.Fatalf("plan[%s] = %d outside [2,6]", p, n)
			}
		}
	}
}

func TestProportionalModelTracksObservations(t *testing.T) {
	t.Parallel()

	m := NewProportionalModel(2.0, 0.5, 1)
	for i := 0; i < 10; i++ {
		m.Observe(model.PlatformIOS)
	}
	m.Observe(model.PlatformAndroid)

	plan := m.Plan(time.Now())
	if plan[model.PlatformIOS] != 20 {
		t.Fatalf("ios plan = %d, want 20", plan[model.PlatformIOS])
	}
	if plan[model.PlatformAndroid] != 2 {
		t.Fatalf("android plan = %d, want 2", plan[model.PlatformAndroid])
	}

	// Observations decay between ticks.
	plan = m.Plan(time.Now())
	if plan[model.PlatformIOS] != 10 {
		t.Fatalf("decayed ios plan = %d, want 10", plan[model.PlatformIOS])
	}

	// A quiet window still produces the floor.
	quiet := NewProportionalModel(1.0, 0.5, 3)
	plan = quiet.Plan(time.Now())
	if plan[model.PlatformIOS] != 3 || plan[model.PlatformAndroid] != 3 {
		t.Fatalf("floor plan = %v, want 3 per platform", plan)
	}
}

func TestProportionalModelDefaults(t *testing.T) {
	t.Parallel()

	m := NewProportionalModel(0, 2.0, -1)
	if m.Ratio != 1.0 || m.Decay != 0.5 || m.Floor != 0 {
		t.Fatalf("defaults not applied: %+v", m)
	}
}

type fixedPlan map[model.Platform]int

func (f fixedPlan) Plan(time.Time) map[model.Platform]int { return f }

func TestPlannerTickEnqueuesDummies(t *testing.T) {
	t.Parallel()

	ios := queue.NewMemory("ios", 3)
	android := queue.NewMemory("android", 3)
	planner, err := NewPlanner(fixedPlan{model.PlatformIOS: 2, model.PlatformAndroid: 1}, map[model.Platform]queue.Queue{
		model.PlatformIOS:     ios,
		model.PlatformAndroid: android,
	})
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ctx := context.Background()
	planted, err := planner.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if planted != 3 {
		t.Fatalf("planted = %d, want 3", planted)
	}
	if depth, _ := ios.Depth(ctx); depth != 2 {
		t.Fatalf("ios depth = %d, want 2", depth)
	}
	if depth, _ := android.Depth(ctx); depth != 1 {
		t.Fatalf("android depth = %d, want 1", depth)
	}

	d, err := ios.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !d.Item.Dummy() {
		t.Fatal("planted item must be a dummy")
	}
	if len(d.Item.Payload) == 0 {
		t.Fatal("dummy payload must not be empty")
	}
}

type failingQueue struct {
	queue.Queue
	err error
}

func (q *failingQueue) Enqueue(ctx context.Context, item model.WorkItem) error { return q.err }
func (q *failingQueue) Name() string                                           { return "broken" }

func TestPlannerTickSkipsOnEnqueueFailure(t *testing.T) {
	t.Parallel()

	broken := &failingQueue{err: errors.New("broker down")}
	ok := queue.NewMemory("android", 3)
	planner, err := NewPlanner(fixedPlan{model.PlatformIOS: 5, model.PlatformAndroid: 2}, map[model.Platform]queue.Queue{
		model.PlatformIOS:     broken,
		model.PlatformAndroid: ok,
	})
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ctx := context.Background()
	planted, err := planner.Tick(ctx, time.Now())
	if err == nil {
		t.Fatal("expected error from broken queue")
	}
	// The healthy platform still gets its batch.
	if depth, _ := ok.Depth(ctx); depth != 2 {
		t.Fatalf("android depth = %d, want 2", depth)
	}
	if planted != 2 {
		t.Fatalf("planted = %d, want 2", planted)
	}
}

func TestNewPlannerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPlanner(nil, map[model.Platform]queue.Queue{model.PlatformIOS: queue.NewMemory("ios", 3)}); err == nil {
		t.Fatal("expected error for nil model")
	}
	if _, err := NewPlanner(fixedPlan{}, nil); err == nil {
		t.Fatal("expected error for empty queue map")
	}
}
