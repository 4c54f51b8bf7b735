// Command swarmcat demonstrates the library: subscribe to a filter
// across relays and print matching events, or publish a signed note.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
	"nostrswarm.dev/pkg/config"
	"nostrswarm.dev/pkg/crypto/signer"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/filter"
	"nostrswarm.dev/pkg/encoders/tag"
	"nostrswarm.dev/pkg/encoders/timestamp"
	"nostrswarm.dev/pkg/pool"
	"nostrswarm.dev/pkg/relay"
	"nostrswarm.dev/pkg/verify"
)

type runArgs struct {
	Relays  []string `arg:"-r,--relay,required,separate" help:"relay URL, repeatable"`
	Kinds   []int    `arg:"-k,--kind,separate" help:"filter kind, repeatable (subscribe mode)"`
	Authors []string `arg:"-a,--author,separate" help:"filter author hex pubkey, repeatable (subscribe mode)"`
	Limit   int      `arg:"-l,--limit" default:"0" help:"filter limit (subscribe mode)"`

	Publish string `arg:"-p,--publish" help:"content to publish instead of subscribing"`
	Seckey  string `arg:"--seckey" help:"hex secret key; generated ephemerally if omitted"`
}

func main() {
	var args runArgs
	arg.MustParse(&args)

	cfg, err := config.New()
	if chk.E(err) {
		os.Exit(1)
	}

	var s signer.I = signer.New()
	if args.Seckey != "" {
		sec, err := hex.DecodeString(args.Seckey)
		if chk.E(err) {
			os.Exit(1)
		}
		if err := s.InitSec(sec); chk.E(err) {
			os.Exit(1)
		}
	} else if err := s.Generate(); chk.E(err) {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sampler := verify.NewSampler(verify.Config{
		InitialRatio:  cfg.SamplerInitialRatio,
		LowestRatio:   cfg.SamplerLowestRatio,
		AutoBlacklist: cfg.SamplerAutoBlacklist,
		StrictMode:    cfg.SamplerStrictMode,
		CacheCapacity: cfg.CacheCapacity,
	}, verify.NewCache(cfg.CacheCapacity))
	sampler.OnRelayBlacklisted = func(r string) {
		log.E.F("relay %s blacklisted: sent an invalid signature", r)
	}

	p := pool.New(sampler, func() signer.I { return s })
	defer p.Close()

	if args.Publish != "" {
		runPublish(ctx, p, s, args)
		return
	}
	runSubscribe(ctx, p, args, cfg)
}

func runPublish(ctx context.Context, p *pool.Pool, s signer.I, args runArgs) {
	e := event.New()
	e.CreatedAt = timestamp.Now()
	e.Kind = 1
	e.Content = args.Publish
	e.Pubkey = hex.EncodeToString(s.Pub())
	e.Tags = tag.Tags{}
	if err := e.Sign(s); chk.E(err) {
		os.Exit(1)
	}

	results := p.Publish(ctx, args.Relays, e)
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s: FAILED: %v\n", r.Relay, r.Err)
		} else {
			fmt.Printf("%s: OK\n", r.Relay)
		}
	}
}

func runSubscribe(ctx context.Context, p *pool.Pool, args runArgs, cfg *config.C) {
	f := &filter.F{}
	for _, k := range args.Kinds {
		f.Kinds = append(f.Kinds, uint16(k))
	}
	f.Authors = args.Authors
	if args.Limit > 0 {
		f.Limit = args.Limit
	}

	l, err := p.SubscribeMany(ctx, args.Relays, filter.List{f}, relay.SubscriptionOptions{
		ReplayOnReconnect: true,
		SinkCapacity:      cfg.SinkCapacity,
	})
	if chk.E(err) {
		os.Exit(1)
	}
	defer p.Unsubscribe(context.Background(), l)

	fmt.Fprintln(os.Stderr, "listening for events, ctrl-c to stop...")
	eose := l.EOSE()
	for {
		select {
		case <-ctx.Done():
			return
		case <-eose:
			fmt.Fprintln(os.Stderr, "--- end of stored events ---")
			eose = nil
		case e, ok := <-l.Events():
			if !ok {
				return
			}
			printEvent(e)
		}
	}
}

func printEvent(e *event.E) {
	ts := e.CreatedAt.Time().Format(time.RFC3339)
	tagSummary := make([]string, 0, len(e.Tags))
	for _, t := range e.Tags {
		tagSummary = append(tagSummary, t.Key()+":"+strconv.Itoa(len(t.Values())))
	}
	fmt.Printf(
		"[%s] kind=%d pubkey=%s id=%s tags=[%s] %q\n",
		ts, e.Kind, e.Pubkey, e.Id, strings.Join(tagSummary, ","), e.Content,
	)
}
