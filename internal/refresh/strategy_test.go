package refresh_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/clock"
	"github.com/MarcoPoloResearchLab/leadsync/internal/refresh"
	"github.com/stretchr/testify/require"
)

type recordingRequester struct {
	mu       sync.Mutex
	triggers []refresh.Trigger
	resumes  int
}

func (r *recordingRequester) Request(trigger refresh.Trigger) refresh.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	return refresh.DecisionStarted
}

func (r *recordingRequester) ResumeTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes++
}

func (r *recordingRequester) count(trigger refresh.Trigger) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, recorded := range r.triggers {
		if recorded == trigger {
			total++
		}
	}
	return total
}

const pollPeriod = 7 * time.Second

func newStrategy(t *testing.T, fake *clock.Fake, requester refresh.Requester, enabled bool) *refresh.Strategy {
	t.Helper()
	strategy, err := refresh.NewStrategy(refresh.StrategyConfig{
		EntityID:   "lead-1",
		Scheduler:  requester,
		PollPeriod: pollPeriod,
		Enabled:    enabled,
		Clock:      fake,
	})
	require.NoError(t, err)
	return strategy
}

func TestStrategyPollsWhenEnabledAndOffline(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, true)

	require.Equal(t, refresh.ModePolling, strategy.Mode())
	require.Equal(t, 1, fake.PeriodicTimers())

	fake.Advance(3 * pollPeriod)
	require.Equal(t, 3, requester.count(refresh.TriggerTimer))
}

func TestStrategyTransitions(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, false)
	require.Equal(t, refresh.ModeDisabled, strategy.Mode())
	require.Zero(t, fake.PeriodicTimers())

	strategy.SetConnected(true)
	require.Equal(t, refresh.ModePushDriven, strategy.Mode(), "push does not need the polling flag")

	strategy.SetConnected(false)
	require.Equal(t, refresh.ModeDisabled, strategy.Mode())

	strategy.SetEnabled(true)
	require.Equal(t, refresh.ModePolling, strategy.Mode())

	strategy.SetConnected(true)
	require.Equal(t, refresh.ModePushDriven, strategy.Mode())
	require.Zero(t, fake.PeriodicTimers())

	strategy.SetConnected(false)
	require.Equal(t, refresh.ModePolling, strategy.Mode(), "losing the connection falls back to polling")
	require.Equal(t, 1, fake.PeriodicTimers())

	strategy.Close()
	require.Equal(t, refresh.ModeDisabled, strategy.Mode())
	require.Zero(t, fake.PeriodicTimers())
}

func TestStrategyNeverArmsTwoTimers(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, true)

	for i := 0; i < 5; i++ {
		require.LessOrEqual(t, fake.PeriodicTimers(), 1)
		strategy.SetConnected(true)
		require.LessOrEqual(t, fake.PeriodicTimers(), 1)
		strategy.SetConnected(false)
		strategy.SetEnabled(true)
		require.Equal(t, 1, fake.PeriodicTimers())
	}

	fake.Advance(pollPeriod)
	require.Equal(t, 1, requester.count(refresh.TriggerTimer))
}

func TestStrategyTeardownSilencesTimer(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, true)
	require.Equal(t, refresh.ModePolling, strategy.Mode())

	strategy.Close()
	fake.Advance(10 * pollPeriod)

	require.Zero(t, requester.count(refresh.TriggerTimer))
	strategy.SetEnabled(true)
	strategy.SetConnected(false)
	require.Equal(t, refresh.ModeDisabled, strategy.Mode(), "inputs after teardown do not revive the strategy")
}

func TestStrategyResumesTimerWhenEnteringPolling(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, true)
	strategy.SetConnected(true)
	strategy.SetConnected(false)

	requester.mu.Lock()
	resumes := requester.resumes
	requester.mu.Unlock()
	require.Equal(t, 2, resumes)
}

func TestStrategyPushFiltersByEntity(t *testing.T) {
	fake := clock.NewFake(start)
	requester := &recordingRequester{}
	strategy := newStrategy(t, fake, requester, false)
	strategy.SetConnected(true)

	strategy.Push("lead-2")
	require.Zero(t, requester.count(refresh.TriggerExternalPush))

	strategy.Push("lead-1")
	require.Equal(t, 1, requester.count(refresh.TriggerExternalPush))

	strategy.Close()
	require.Equal(t, refresh.DecisionDroppedClosed, strategy.Push("lead-1"))
}
