package verify

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"lukechampine.com/frand"
	"nostrswarm.dev/pkg/encoders/event"
)

// State is the outcome the sampler assigns to an inbound event.
type State int

const (
	// Valid means the event was cryptographically verified this call
	// (a fresh Schnorr verification succeeded).
	Valid State = iota
	// Invalid means verification was attempted and failed: the relay is
	// dishonest.
	Invalid
	// Skipped means the sampler drew against the relay's ratio and
	// chose not to verify.
	Skipped
	// Cached means the cache already attested this exact (id, sig).
	Cached
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Skipped:
		return "skipped"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// RatioFunc computes the next verification ratio for a relay. It
// receives the relay's URL and running counters and returns a
// probability; the sampler clamps the result to [0,1].
type RatioFunc func(relay string, validatedCount, nonValidatedCount uint64) float64

// DefaultRatioFunc holds initialRatio during the first 10 validations
// (warm-up), then decays exponentially to a floor.
func DefaultRatioFunc(initialRatio, lowestRatio float64) RatioFunc {
	return func(_ string, validatedCount, _ uint64) float64 {
		if validatedCount < 10 {
			return initialRatio
		}
		r := initialRatio * math.Exp(-0.01*float64(validatedCount))
		if r < lowestRatio {
			return lowestRatio
		}
		return r
	}
}

// Config is the sampler's configuration surface.
type Config struct {
	// InitialRatio is the starting and warm-up verification probability.
	InitialRatio float64
	// LowestRatio floors the adaptive ratio. Setting both InitialRatio
	// and LowestRatio to 0 disables verification entirely.
	LowestRatio float64
	// AutoBlacklist, if true, blacklists and disconnects a relay on its
	// first invalid signature.
	AutoBlacklist bool
	// RatioFn overrides DefaultRatioFunc when non-nil.
	RatioFn RatioFunc
	// StrictMode holds skipped events until corroborated by another
	// relay or a caller forces verification.
	StrictMode bool
	// CacheCapacity records the intended size of the shared verification
	// cache. NewSampler does not read it: the cache passed to NewSampler
	// keeps the capacity it was built with by NewCache.
	CacheCapacity int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		InitialRatio:  1.0,
		LowestRatio:   0.1,
		AutoBlacklist: true,
		CacheCapacity: DefaultCacheCapacity,
	}
}

// Stats are a relay's running verification counters.
type Stats struct {
	ValidatedCount    uint64
	NonValidatedCount uint64
	CurrentRatio      float64
}

type relayState struct {
	mu          sync.Mutex
	stats       Stats
	blacklisted atomic.Bool
}

// Sampler decides per-event whether to verify, tracks per-relay trust,
// and detects/blacklists evil relays.
type Sampler struct {
	cfg   Config
	cache *Cache
	ratio RatioFunc

	relays *xsync.MapOf[string, *relayState]
	// pending holds skipped (id,sig) pairs awaiting corroboration in
	// strict mode, keyed by id+":"+sig.
	pending *xsync.MapOf[string, *event.E]

	OnInvalidSignature  func(e *event.E, relay string)
	OnRelayBlacklisted  func(relay string)
	Disconnect          func(relay string)
	// OnCorroborated, if set, is called whenever an (id,sig) pair is
	// promoted to Valid or Cached, whether by a fresh verification, a
	// cache hit, or ForceVerify. A caller holding that pair pending
	// strict-mode corroboration elsewhere uses this to release it.
	OnCorroborated func(id, sig string)
}

// NewSampler builds a Sampler sharing cache across every relay the
// caller registers events from.
func NewSampler(cfg Config, cache *Cache) *Sampler {
	ratio := cfg.RatioFn
	if ratio == nil {
		ratio = DefaultRatioFunc(cfg.InitialRatio, cfg.LowestRatio)
	}
	return &Sampler{
		cfg:     cfg,
		cache:   cache,
		ratio:   ratio,
		relays:  xsync.NewMapOf[string, *relayState](),
		pending: xsync.NewMapOf[string, *event.E](),
	}
}

func (s *Sampler) relay(url string) *relayState {
	rs, _ := s.relays.LoadOrCompute(url, func() *relayState {
		return &relayState{stats: Stats{CurrentRatio: s.cfg.InitialRatio}}
	})
	return rs
}

// StrictMode reports whether the sampler holds skipped events pending
// corroboration instead of delivering them optimistically.
func (s *Sampler) StrictMode() bool { return s.cfg.StrictMode }

// IsBlacklisted reports whether relay has been blacklisted.
func (s *Sampler) IsBlacklisted(relay string) bool {
	rs, ok := s.relays.Load(relay)
	return ok && rs.blacklisted.Load()
}

// Stats returns a snapshot of relay's current counters.
func (s *Sampler) Stats(relay string) Stats {
	rs := s.relay(relay)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stats
}

// Consider is the sampler's main entry point: it decides whether to
// verify an inbound event claimed by relay, updates that relay's trust
// state, and returns the verification State.
func (s *Sampler) Consider(e *event.E, relay string) State {
	rs := s.relay(relay)

	if rs.blacklisted.Load() {
		return Invalid
	}

	if s.cache.IsVerified(e.Id, e.Sig) {
		rs.mu.Lock()
		rs.stats.ValidatedCount++
		// The ratio is NOT recalculated on the cached path, so a relay
		// whose events are all duplicates already known elsewhere never
		// has its trust decay.
		rs.mu.Unlock()
		if s.OnCorroborated != nil {
			s.OnCorroborated(e.Id, e.Sig)
		}
		return Cached
	}

	rs.mu.Lock()
	ratio := rs.stats.CurrentRatio
	rs.mu.Unlock()

	if bernoulliDraw() >= ratio {
		rs.mu.Lock()
		rs.stats.NonValidatedCount++
		rs.stats.CurrentRatio = s.clampedRatio(relay, rs.stats)
		rs.mu.Unlock()
		if s.cfg.StrictMode {
			s.pending.Store(pendingKey(e.Id, e.Sig), e)
		}
		return Skipped
	}

	return s.verifyAndUpdate(e, relay, rs)
}

// ForceVerify verifies a pending (id, sig) pair immediately, as strict
// mode requires when no corroborating relay arrives in time. It is a
// no-op if nothing is pending for that pair.
func (s *Sampler) ForceVerify(relay, id, sig string) State {
	key := pendingKey(id, sig)
	e, ok := s.pending.Load(key)
	if !ok {
		return Skipped
	}
	s.pending.Delete(key)
	rs := s.relay(relay)
	return s.verifyAndUpdate(e, relay, rs)
}

func (s *Sampler) verifyAndUpdate(e *event.E, relay string, rs *relayState) State {
	valid, err := e.Verify()
	if err != nil || !valid {
		rs.mu.Lock()
		rs.stats.NonValidatedCount++
		rs.stats.CurrentRatio = s.clampedRatio(relay, rs.stats)
		rs.mu.Unlock()

		if s.OnInvalidSignature != nil {
			s.OnInvalidSignature(e, relay)
		}
		if s.cfg.AutoBlacklist {
			rs.blacklisted.Store(true)
			if s.OnRelayBlacklisted != nil {
				s.OnRelayBlacklisted(relay)
			}
			if s.Disconnect != nil {
				s.Disconnect(relay)
			}
		}
		return Invalid
	}

	s.cache.Remember(e.Id, e.Sig)
	s.pending.Delete(pendingKey(e.Id, e.Sig))

	rs.mu.Lock()
	rs.stats.ValidatedCount++
	rs.stats.CurrentRatio = s.clampedRatio(relay, rs.stats)
	rs.mu.Unlock()
	if s.OnCorroborated != nil {
		s.OnCorroborated(e.Id, e.Sig)
	}
	return Valid
}

func (s *Sampler) clampedRatio(relay string, stats Stats) float64 {
	r := s.ratio(relay, stats.ValidatedCount, stats.NonValidatedCount)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func pendingKey(id, sig string) string { return id + ":" + sig }

// bernoulliDraw returns a uniform float in [0,1), using frand instead of
// math/rand for every randomness need.
func bernoulliDraw() float64 {
	const denom = 1 << 24
	return float64(frand.Intn(denom)) / float64(denom)
}
