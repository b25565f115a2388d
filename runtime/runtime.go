// Package runtime implements C14: the single type that assembles the
// module cache (C4), environment (C8), registry (C9), timer service
// (C10), and the C7 scheduler pool into one running Lunatic node, plus
// the concrete capability.Spawner that lets spawned guest code recurse
// back into the same machinery. Construct/teardown ordering is delegated
// to go.uber.org/fx (OnStart hooks run in registration order, OnStop in
// reverse), grounded on webitel-im-delivery-service's cmd/fx.go and its
// handler modules' fx.Lifecycle-hook idiom, generalized from "wire HTTP/
// AMQP handlers" to "wire the process-scheduling core".
package runtime

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/joeycumines/lunatic/capability"
	"github.com/joeycumines/lunatic/engine"
	enginewazero "github.com/joeycumines/lunatic/engine/wazero"
	"github.com/joeycumines/lunatic/env"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/metrics"
	"github.com/joeycumines/lunatic/modcache"
	"github.com/joeycumines/lunatic/obs"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/registry"
	"github.com/joeycumines/lunatic/scheduler"
	"github.com/joeycumines/lunatic/timer"
)

// Config carries the RuntimeConfig knobs of SPEC_FULL.md §3. It is a
// plain struct, not a viper.Viper, so this package has no compile-time
// dependency on the CLI's config-loading stack (cmd/lunatic unmarshals
// viper settings into one of these before calling New).
type Config struct {
	Node              procid.NodeID
	Workers           int
	FuelQuantum       uint64
	ModuleCacheSize   int
	DefaultProcessCfg process.Config
}

// DefaultConfig returns conservative single-node defaults.
func DefaultConfig() Config {
	return Config{
		Node:              1,
		Workers:           4,
		FuelQuantum:       engine.DefaultFuelQuantum,
		ModuleCacheSize:   128,
		DefaultProcessCfg: process.DefaultConfig(),
	}
}

// Runtime is the C14 assembly: one compiled-module cache, one
// environment, one name registry, one timer service, and a worker pool
// of process drivers, all sharing one node identity.
type Runtime struct {
	Config  Config
	Logger  *obs.Logger
	Metrics *metrics.Registry

	Engine      *enginewazero.Engine
	ModuleCache *modcache.Cache
	Environment *env.Environment
	Registry    *registry.Registry
	Timers      *timer.Service
	Pool        *scheduler.Pool

	// Remote is the optional C11 distributed dispatcher; nil means this
	// runtime is single-node and cross-node sends trap (see package dist).
	Remote capability.RemoteSender

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New assembles a Runtime's collaborators and starts the timer poller and
// the worker pool's goroutines; process execution only begins once Spawn
// is called. Call Stop to tear everything down in reverse
// dependency order.
func New(ctx context.Context, cfg Config, logger *obs.Logger, promReg prometheus.Registerer) (*Runtime, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = obs.New()
	}

	eng, err := enginewazero.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: engine: %w", err)
	}

	cache, err := modcache.New(eng, cfg.ModuleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("runtime: module cache: %w", err)
	}

	reg := registry.New()
	environment := env.New(uint64(cfg.Node))
	timers := timer.New()

	runCtx, runCancel := context.WithCancel(ctx)
	pool := scheduler.NewPool(runCtx, cfg.Workers)

	r := &Runtime{
		Config:      cfg,
		Logger:      logger,
		Engine:      eng,
		ModuleCache: cache,
		Environment: environment,
		Registry:    reg,
		Timers:      timers,
		Pool:        pool,
		runCtx:      runCtx,
		runCancel:   runCancel,
	}

	if promReg != nil {
		r.Metrics = metrics.New(promReg)
		cache.SetMetrics(r.Metrics)
		environment.SetMetrics(r.Metrics)
	}

	go timers.Run(runCtx)

	return r, nil
}

// LoadModule compiles (or fetches from cache) wasmBytes under id, making
// it spawnable by that id via Spawn/SpawnRequest.ModuleID.
func (r *Runtime) LoadModule(ctx context.Context, id string, wasmBytes []byte) error {
	_, err := r.ModuleCache.GetOrCompile(ctx, id, wasmBytes)
	return err
}

// Spawn implements capability.Spawner: it instantiates req's module
// against a freshly allocated process.State, binds the C5 capability
// surface, and submits the resulting Driver to the worker pool. The
// returned Short is valid as soon as Spawn returns; the guest's entry
// point begins executing asynchronously on whichever worker next frees
// up (spec §5: spawn does not block the caller on the child's execution).
func (r *Runtime) Spawn(ctx context.Context, req capability.SpawnRequest) (procid.Short, error) {
	_, short, err := r.buildAndSubmit(ctx, req, nil)
	return short, err
}

// SpawnRoot is like Spawn, but additionally wires a buffered channel
// that receives the process's terminal message.ExitReason once it runs
// to completion. Guest-initiated spawns never need this (a process
// observes its children's fate through links, not a Go channel); it
// exists for the CLI's `run` subcommand, which must map the single root
// process's outcome to an OS exit code (spec.md §6: "0 on normal
// process completion, 1 on guest failure, 2 on configuration error").
func (r *Runtime) SpawnRoot(ctx context.Context, req capability.SpawnRequest) (procid.Short, <-chan message.ExitReason, error) {
	done := make(chan message.ExitReason, 1)
	_, short, err := r.buildAndSubmit(ctx, req, done)
	if err != nil {
		return 0, nil, err
	}
	return short, done, nil
}

func (r *Runtime) buildAndSubmit(ctx context.Context, req capability.SpawnRequest, done chan<- message.ExitReason) (*scheduler.Driver, procid.Short, error) {
	mod, ok := r.ModuleCache.Peek(req.ModuleID)
	if !ok {
		return nil, 0, fmt.Errorf("runtime: spawn: unknown module id %q (must be loaded first)", req.ModuleID)
	}

	cfg := req.Config

	short := r.Environment.SpawnNextID()
	id := procid.ProcessID{Node: r.Config.Node, Short: short}
	st := process.New(id, short, mod, cfg, r.Registry, r.Environment)
	r.Environment.Add(st.Handle())

	host := capability.NewHost(st, r.Timers, r, r.Config.Node)
	host.Remote = r.Remote
	host.EnvID = r.Environment.ID()
	linker := enginewazero.NewLinker()
	if err := host.Bind(linker); err != nil {
		r.Environment.Remove(short)
		return nil, 0, fmt.Errorf("runtime: spawn: bind capability surface: %w", err)
	}

	entry := scheduler.EntryPoint{ExportName: req.EntryPoint}
	if req.TableIndex != nil {
		entry = scheduler.EntryPoint{TableIndex: req.TableIndex, CtxBytes: req.CtxBytes}
	}

	driver := &scheduler.Driver{
		State: st,
		Entry: entry,
		Limits: engine.Limits{
			MaxMemoryBytes: cfg.MaxMemoryBytes,
			MaxFuel:        cfg.MaxFuel,
			Quantum:        r.Config.FuelQuantum,
			Args:           cfg.CommandLineArguments,
			Env:            cfg.EnvironmentVariables,
			PreopenDirs:    cfg.PreopenDirs,
		},
		Linker:  linker,
		Metrics: r.Metrics,
		Done:    done,
	}

	if err := r.Pool.Submit(ctx, driver); err != nil {
		r.Environment.Remove(short)
		return nil, 0, fmt.Errorf("runtime: spawn: submit to pool: %w", err)
	}

	return driver, short, nil
}

var _ capability.Spawner = (*Runtime)(nil)

// Stop tears the runtime down in the reverse of its construction order
// (spec.md §9): broadcast Kill and await every process exiting, stop
// accepting new pool work, then release the engine.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.Environment.Shutdown(ctx); err != nil {
		return fmt.Errorf("runtime: shutdown environment: %w", err)
	}
	r.runCancel()
	if err := r.Pool.Close(); err != nil {
		return fmt.Errorf("runtime: close pool: %w", err)
	}
	if err := r.Engine.Close(ctx); err != nil {
		return fmt.Errorf("runtime: close engine: %w", err)
	}
	return nil
}

// Module is the fx.Module wiring of C14: Provide builds a *Runtime from
// a Config/*obs.Logger/prometheus.Registerer, Invoke registers its
// Stop as an OnStop hook so an fx.App's Shutdown drives the same
// teardown path as a direct Stop call.
var Module = fx.Module("lunatic-runtime",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, r *Runtime) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return r.Stop(ctx)
			},
		})
	}),
)
