package generator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
)

type setReserver struct {
	mu    sync.Mutex
	taken map[string]bool
	calls int
}

func newSetReserver(taken ...string) *setReserver {
	r := &setReserver{taken: map[string]bool{}}
	for _, a := range taken {
		r.taken[a] = true
	}
	return r
}

func (r *setReserver) ReserveAddress(_ context.Context, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.taken[address] {
		return false, nil
	}
	r.taken[address] = true
	return true, nil
}

type funcReserver func(ctx context.Context, address string) (bool, error)

func (f funcReserver) ReserveAddress(ctx context.Context, address string) (bool, error) {
	return f(ctx, address)
}

func newTestGenerator(t *testing.T, r Reserver, opts ...Option) *Generator {
	t.Helper()
	g, err := New(Config{Domain: "example.com"}, r, opts...)
	require.NoError(t, err)
	return g
}

func TestRandomStringScenario(t *testing.T) {
	g := newTestGenerator(t, newSetReserver())
	pattern := regexp.MustCompile(`^[a-z0-9]{8,10}@example\.com$`)

	for i := 0; i < 200; i++ {
		addr, err := g.Propose(context.Background(), domain.StrategyRandomString, "example.com", "")
		require.NoError(t, err)
		assert.Regexp(t, pattern, addr)
	}
}

func TestLocalPartConstraintAllStrategies(t *testing.T) {
	g := newTestGenerator(t, newSetReserver())

	cases := []struct {
		strategy domain.Strategy
		prefix   string
	}{
		{domain.StrategyRandomName, ""},
		{domain.StrategyRandomString, ""},
		{domain.StrategyCustom, "signup.bot"},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			for attempt := 0; attempt < 50; attempt++ {
				addr, err := g.Candidate(tc.strategy, "", tc.prefix, attempt%3)
				require.NoError(t, err)
				local, dom, ok := domain.SplitAddress(addr)
				require.True(t, ok)
				assert.Equal(t, "example.com", dom)
				assert.NoError(t, domain.ValidateLocalPart(local), addr)
			}
		})
	}
}

func TestRandomNameSuffixOnlyAfterCollision(t *testing.T) {
	g := newTestGenerator(t, newSetReserver(), WithCorpus([]string{"ada"}, []string{"lovelace"}))

	addr, err := g.Candidate(domain.StrategyRandomName, "example.com", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "ada.lovelace@example.com", addr)

	addr, err = g.Candidate(domain.StrategyRandomName, "example.com", "", 1)
	require.NoError(t, err)
	assert.Regexp(t, `^ada\.lovelace\.[a-z0-9]{2,4}@example\.com$`, addr)
}

func TestRandomNameCollisionRetry(t *testing.T) {
	r := newSetReserver("ada.lovelace@example.com")
	g := newTestGenerator(t, r, WithCorpus([]string{"ada"}, []string{"lovelace"}))

	addr, err := g.Propose(context.Background(), domain.StrategyRandomName, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, "ada.lovelace@example.com", addr)
	assert.True(t, strings.HasPrefix(addr, "ada.lovelace."))
	assert.Equal(t, 2, r.calls)
}

func TestCustomPrefix(t *testing.T) {
	g := newTestGenerator(t, newSetReserver("shop@example.com"))

	t.Run("verbatim lower-cased", func(t *testing.T) {
		addr, err := g.Propose(context.Background(), domain.StrategyCustom, "example.com", "Newsletter")
		require.NoError(t, err)
		assert.Equal(t, "newsletter@example.com", addr)
	})

	t.Run("collision gets numeric suffix", func(t *testing.T) {
		addr, err := g.Propose(context.Background(), domain.StrategyCustom, "example.com", "shop")
		require.NoError(t, err)
		assert.Regexp(t, `^shop\.[0-9]{2,4}@example\.com$`, addr)
	})

	invalid := []string{"", "   ", "a b", "x+y", "bad!", ".lead", "ab", strings.Repeat("a", 65)}
	for _, p := range invalid {
		t.Run("invalid "+p, func(t *testing.T) {
			_, err := g.Propose(context.Background(), domain.StrategyCustom, "example.com", p)
			assert.ErrorIs(t, err, domain.ErrInvalidPrefix)
		})
	}
}

func TestLongCustomPrefixCollision(t *testing.T) {
	long := strings.Repeat("a", 58) + "-bcdef"
	require.Len(t, long, domain.MaxLocalPartLength)

	g := newTestGenerator(t, newSetReserver(long+"@example.com"))
	addr, err := g.Propose(context.Background(), domain.StrategyCustom, "example.com", long)
	require.NoError(t, err)
	local, _, _ := strings.Cut(addr, "@")
	assert.LessOrEqual(t, len(local), domain.MaxLocalPartLength)
	assert.NoError(t, domain.ValidateLocalPart(local))
	assert.Regexp(t, `^a+(-b[a-z]*)?\.[0-9]{2,4}$`, local)

	// 一直冲突时以重试耗尽结束，而不是前缀无效
	alwaysTaken := funcReserver(func(context.Context, string) (bool, error) { return false, nil })
	g = newTestGenerator(t, alwaysTaken)
	_, err = g.Propose(context.Background(), domain.StrategyCustom, "example.com", long)
	assert.ErrorIs(t, err, domain.ErrExhaustedRetries)
	assert.NotErrorIs(t, err, domain.ErrInvalidPrefix)
}

func TestWithSuffix(t *testing.T) {
	assert.Equal(t, "shop.12", withSuffix("shop", ".", "12"))
	got := withSuffix(strings.Repeat("a", 59)+"-xyz", ".", "1234")
	assert.Equal(t, strings.Repeat("a", 59)+".1234", got)
	assert.Len(t, got, domain.MaxLocalPartLength)
}

func TestExhaustedRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	alwaysTaken := funcReserver(func(context.Context, string) (bool, error) { return false, nil })
	g := newTestGenerator(t, alwaysTaken, WithMetrics(m))

	_, err := g.Propose(context.Background(), domain.StrategyRandomString, "", "")
	require.ErrorIs(t, err, domain.ErrExhaustedRetries)

	var ex *domain.ExhaustedRetriesError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, DefaultMaxAttempts, ex.Attempts)
	assert.NotEmpty(t, ex.Last)
	assert.Equal(t, float64(DefaultMaxAttempts), testutil.ToFloat64(m.GenerationCollisions.WithLabelValues("random_string")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationExhausted.WithLabelValues("random_string")))
}

func TestReservationErrorIsPersistenceError(t *testing.T) {
	broken := funcReserver(func(context.Context, string) (bool, error) { return false, errors.New("db down") })
	g := newTestGenerator(t, broken)

	_, err := g.Propose(context.Background(), domain.StrategyRandomString, "", "")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NotErrorIs(t, err, domain.ErrExhaustedRetries)
}

func TestProposeHonoursContext(t *testing.T) {
	g := newTestGenerator(t, newSetReserver())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Propose(ctx, domain.StrategyRandomString, "", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentProposeUnique(t *testing.T) {
	r := newSetReserver()
	g := newTestGenerator(t, r, WithCorpus([]string{"amy", "bob"}, []string{"li", "ng"}))

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := g.Propose(context.Background(), domain.StrategyRandomName, "", "")
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[addr], "duplicate %s", addr)
			seen[addr] = true
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, seen)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Domain: "example.com", MinLength: 12, MaxLength: 10}, newSetReserver())
	assert.Error(t, err)
	_, err = New(Config{Domain: "example.com", Separator: "+"}, newSetReserver())
	assert.Error(t, err)
	_, err = New(Config{Domain: "not a domain"}, newSetReserver())
	assert.Error(t, err)
	_, err = New(Config{}, newSetReserver(), WithCorpus(nil, []string{"x"}))
	assert.Error(t, err)
}

func TestCandidateRejectsBadInput(t *testing.T) {
	g := newTestGenerator(t, newSetReserver())
	_, err := g.Candidate(domain.Strategy("pets"), "", "", 0)
	assert.Error(t, err)
	_, err = g.Candidate(domain.StrategyRandomString, "bad_domain", "", 0)
	assert.Error(t, err)
}
