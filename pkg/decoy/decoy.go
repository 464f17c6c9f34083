// Package decoy plans server-scheduled dummy traffic. Dummy items are
// enqueued onto the same platform queues as genuine submissions so queue
// depth and worker activity never reveal the genuine submission rate.
package decoy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/metrics"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/queue"
)

// RateModel decides how many dummy items one tick plants per platform.
type RateModel interface {
	Plan(now time.Time) map[model.Platform]int
}

// FixedBaseline emits a constant count per platform with uniform jitter of
// up to Jitter extra items.
type FixedBaseline struct {
	PerPlatform int
	Jitter      int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewFixedBaseline(perPlatform, jitter int) *FixedBaseline {
	if perPlatform < 0 {
		perPlatform = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	return &FixedBaseline{
		PerPlatform: perPlatform,
		Jitter:      jitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *FixedBaseline) Plan(now time.Time) map[model.Platform]int {
	plan := map[model.Platform]int{}
	for _, p := range []model.Platform{model.PlatformIOS, model.PlatformAndroid} {
		n := m.PerPlatform
		if m.Jitter > 0 {
			m.mu.Lock()
			n += m.rng.Intn(m.Jitter + 1)
			m.mu.Unlock()
		}
		plan[p] = n
	}
	return plan
}

// ProportionalModel sizes dummy traffic as a fraction of the observed
// genuine submission mix, decayed per tick so stale observations fade. The
// worker pools feed it through Observe as genuine items are delivered.
type ProportionalModel struct {
	// Ratio is dummies planted per observed genuine submission.
	Ratio float64
	// Decay is the per-tick retention factor applied to accumulated
	// observations, in (0, 1].
	Decay float64
	// Floor guards against a fully quiet window producing zero cover
	// traffic.
	Floor int

	mu       sync.Mutex
	observed map[model.Platform]float64
}

func NewProportionalModel(ratio, decay float64, floor int) *ProportionalModel {
	if ratio <= 0 {
		ratio = 1.0
	}
	if decay <= 0 || decay > 1 {
		decay = 0.5
	}
	if floor < 0 {
		floor = 0
	}
	return &ProportionalModel{
		Ratio:    ratio,
		Decay:    decay,
		Floor:    floor,
		observed: map[model.Platform]float64{},
	}
}

// Observe records one genuine submission.
func (m *ProportionalModel) Observe(platform model.Platform) {
	m.mu.Lock()
	m.observed[platform]++
	m.mu.Unlock()
}

func (m *ProportionalModel) Plan(now time.Time) map[model.Platform]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan := map[model.Platform]int{}
	for _, p := range []model.Platform{model.PlatformIOS, model.PlatformAndroid} {
		n := int(m.observed[p] * m.Ratio)
		if n < m.Floor {
			n = m.Floor
		}
		plan[p] = n
		m.observed[p] *= m.Decay
	}
	return plan
}

// Planner turns one tick into enqueued dummy items.
type Planner struct {
	Model  RateModel
	Queues map[model.Platform]queue.Queue
}

func NewPlanner(m RateModel, queues map[model.Platform]queue.Queue) (*Planner, error) {
	if m == nil {
		return nil, fmt.Errorf("rate model required")
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("at least one platform queue required")
	}
	return &Planner{Model: m, Queues: queues}, nil
}

// Tick plans and enqueues one round of dummy items. A failed enqueue logs
// and abandons the remainder of that platform's batch; ticks are cheap and
// missed cover traffic is not backfilled.
func (p *Planner) Tick(ctx context.Context, now time.Time) (int, error) {
	plan := p.Model.Plan(now)
	planted := 0
	var firstErr error
	for platform, q := range p.Queues {
		count := plan[platform]
		for i := 0; i < count; i++ {
			item := model.NewDecoyItem(platform, dummyPayload())
			if err := q.Enqueue(ctx, item); err != nil {
				log.Printf("decoy: enqueue on %s: %v", q.Name(), err)
				metrics.DecoyTicksSkippedTotal.Inc()
				if firstErr == nil {
					firstErr = fmt.Errorf("enqueue decoy on %s: %w", q.Name(), err)
				}
				break
			}
			planted++
			metrics.DecoyItemsTotal.Inc()
		}
	}
	return planted, firstErr
}

// dummyPayload fabricates a body the size and shape of a genuine analytics
// payload so queue entries are not distinguishable at rest by length.
func dummyPayload() json.RawMessage {
	body := map[string]interface{}{
		"version":                 1,
		"province":                provinces[rand.Intn(len(provinces))],
		"exposure_permission":     rand.Intn(2),
		"bluetooth_active":        rand.Intn(2),
		"notification_permission": rand.Intn(2),
		"exposure_notification":   0,
		"last_risky_exposure_on":  "",
	}
	raw, _ := json.Marshal(body)
	return raw
}

var provinces = []string{"AG", "BO", "FI", "MI", "NA", "PA", "RM", "TO", "VE"}
