// Package pool manages one relay.Client per relay URL, fanning a single
// logical subscription or publish out across as many relays as the
// caller asks for.
package pool

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"lol.mleku.dev/log"
	"nostrswarm.dev/pkg/crypto/signer"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/filter"
	"nostrswarm.dev/pkg/relay"
	"nostrswarm.dev/pkg/verify"
)

// DirectedFilter pairs a filter list with the one relay it should be
// sent to, for SubscribeDirected.
type DirectedFilter struct {
	Filters filter.List
	Relay   string
}

// RelayEvent is an event tagged with the relay it arrived from.
type RelayEvent struct {
	*event.E
	Relay string
}

// PublishResult is one relay's outcome of a Publish call.
type PublishResult struct {
	Relay string
	Err   error
}

// AuthHandler supplies the signer used to answer NIP-42 AUTH challenges;
// EnsureRelay calls it once per relay, when that relay's client is
// created.
type AuthHandler func() signer.I

// Pool owns a relay.Client per relay URL and the verify.Sampler shared
// across all of them, so the verification cache amortizes across the
// whole set of connections.
type Pool struct {
	sampler *verify.Sampler
	auth    AuthHandler

	clients *xsync.MapOf[string, *relay.Client]

	penaltyMu  sync.Mutex
	penaltyBox map[string]penalty
}

type penalty struct {
	failures        float64
	remainingSeconds float64
}

// New builds a Pool sharing one verify.Sampler (and therefore one
// cross-relay verification cache) across every relay it manages.
func New(sampler *verify.Sampler, auth AuthHandler) *Pool {
	p := &Pool{
		sampler:    sampler,
		auth:       auth,
		clients:    xsync.NewMapOf[string, *relay.Client](),
		penaltyBox: map[string]penalty{},
	}
	sampler.OnCorroborated = p.releaseHeld
	go p.drainPenaltyBox()
	return p
}

// releaseHeld delivers an event every relay's Mux is holding under
// strict mode once another relay (or the cache) corroborates its
// (id,sig), or a caller forces verification.
func (p *Pool) releaseHeld(id, sig string) {
	p.clients.Range(func(_ string, c *relay.Client) bool {
		c.Mux.Release(id, sig)
		return true
	})
}

func (p *Pool) drainPenaltyBox() {
	sleep := 30.0
	for {
		time.Sleep(time.Duration(sleep) * time.Second)
		p.penaltyMu.Lock()
		next := 300.0
		for url, v := range p.penaltyBox {
			v.remainingSeconds -= sleep
			if v.remainingSeconds <= 0 {
				v.remainingSeconds = 0
			} else if v.remainingSeconds < next {
				next = v.remainingSeconds
			}
			p.penaltyBox[url] = v
		}
		sleep = next
		p.penaltyMu.Unlock()
	}
}

// EnsureRelay returns an already-connected client for url, dialing one
// if necessary. Relays that recently failed to connect are held in a
// penalty box with exponential backoff before being retried.
func (p *Pool) EnsureRelay(ctx context.Context, url string) (*relay.Client, error) {
	if c, ok := p.clients.Load(url); ok {
		return c, nil
	}

	p.penaltyMu.Lock()
	if v, ok := p.penaltyBox[url]; ok && v.remainingSeconds > 0 {
		p.penaltyMu.Unlock()
		return nil, fmt.Errorf("pool: %s in penalty box, %.fs remaining", url, v.remainingSeconds)
	}
	p.penaltyMu.Unlock()

	c := relay.NewClient(url, p.sampler)
	if p.auth != nil {
		c.Signer = p.auth()
	}
	if err := c.Connect(ctx); err != nil {
		p.penaltyMu.Lock()
		v := p.penaltyBox[url]
		v.failures++
		v.remainingSeconds = 30.0 + math.Pow(2, v.failures)
		p.penaltyBox[url] = v
		p.penaltyMu.Unlock()
		return nil, fmt.Errorf("pool: connect %s: %w", url, err)
	}

	actual, loaded := p.clients.LoadOrStore(url, c)
	if loaded {
		_ = c.Close()
		return actual, nil
	}
	return c, nil
}

// SubscribeMany opens the same logical subscription on every relay in
// urls, merging results into one event channel.
func (p *Pool) SubscribeMany(ctx context.Context, urls []string, filters filter.List, opts relay.SubscriptionOptions) (*relay.LogicalSubscription, error) {
	l := relay.NewLogicalSubscription(filters, opts)
	for _, url := range urls {
		c, err := p.EnsureRelay(ctx, url)
		if err != nil {
			log.D.F("pool: skipping %s: %v", url, err)
			continue
		}
		if err := c.Mux.Register(ctx, l); err != nil {
			log.D.F("pool: register on %s failed: %v", url, err)
		}
	}
	return l, nil
}

// SubscribeDirected opens a distinct filter against a distinct relay
// per entry, for queries that are inherently per-relay (e.g. a Blossom
// server list lookup scoped to one relay).
func (p *Pool) SubscribeDirected(ctx context.Context, directed []DirectedFilter, opts relay.SubscriptionOptions) ([]*relay.LogicalSubscription, error) {
	subs := make([]*relay.LogicalSubscription, 0, len(directed))
	for _, d := range directed {
		l := relay.NewLogicalSubscription(d.Filters, opts)
		c, err := p.EnsureRelay(ctx, d.Relay)
		if err != nil {
			log.D.F("pool: skipping %s: %v", d.Relay, err)
			continue
		}
		if err := c.Mux.Register(ctx, l); err != nil {
			log.D.F("pool: register on %s failed: %v", d.Relay, err)
		}
		subs = append(subs, l)
	}
	return subs, nil
}

// Unsubscribe removes l from every relay it is registered on.
func (p *Pool) Unsubscribe(ctx context.Context, l *relay.LogicalSubscription) {
	l.Close()
	p.clients.Range(func(url string, c *relay.Client) bool {
		_ = c.Mux.Remove(ctx, l)
		return true
	})
}

// Publish sends e to every relay in urls concurrently and waits for
// each relay's OK (or NIP-42 AUTH retry), returning one PublishResult
// per relay.
func (p *Pool) Publish(ctx context.Context, urls []string, e *event.E) []PublishResult {
	results := make([]PublishResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			results[i] = p.publishOne(gctx, url, e)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) publishOne(ctx context.Context, url string, e *event.E) PublishResult {
	c, err := p.EnsureRelay(ctx, url)
	if err != nil {
		return PublishResult{Relay: url, Err: err}
	}
	if err := c.Publish(ctx, e); err == nil {
		return PublishResult{Relay: url}
	} else if isAuthRequired(err) && p.auth != nil {
		if c.Signer == nil {
			c.Signer = p.auth()
		}
		if authErr := c.Auth(ctx, c.Signer); authErr != nil {
			return PublishResult{Relay: url, Err: fmt.Errorf("auth failed: %w", authErr)}
		}
		return PublishResult{Relay: url, Err: c.Publish(ctx, e)}
	} else {
		return PublishResult{Relay: url, Err: err}
	}
}

func isAuthRequired(err error) bool {
	re, ok := err.(*relay.Error)
	return ok && strings.HasPrefix(re.Message, "auth-required:")
}

// Close disconnects every relay the pool manages.
func (p *Pool) Close() {
	p.clients.Range(func(_ string, c *relay.Client) bool {
		_ = c.Close()
		return true
	})
}
