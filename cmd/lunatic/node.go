package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/joeycumines/go-longpoll"

	"github.com/joeycumines/lunatic/capability"
	"github.com/joeycumines/lunatic/controlclient"
	"github.com/joeycumines/lunatic/dist"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/obs"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/runtime"
	lunaticsignal "github.com/joeycumines/lunatic/signal"
)

func nodeCmd(base baseConfig) *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "join a cluster, serving spawns and messages from peer nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "control",
				Usage: "control plane base URL",
			},
			&cli.StringFlag{
				Name:  "bind-socket",
				Usage: "address this node's dist server listens on",
				Value: "127.0.0.1:0",
			},
			&cli.StringSliceFlag{
				Name:  "tag",
				Usage: "k=v tag to attach to this node's registration, repeatable",
			},
		},
		Action: func(c *cli.Context) error {
			if c.String("control") == "" {
				return newConfigError("node: --control <url> is required")
			}
			return runNode(c, base)
		},
	}
}

func parseTags(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func runNode(c *cli.Context, base baseConfig) error {
	logger := obs.New().Named("node")
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", c.String("bind-socket"))
	if err != nil {
		return newConfigError("node: listen on %s: %v", c.String("bind-socket"), err)
	}
	defer ln.Close()

	nodeName := uuid.New()
	client := controlclient.New(c.String("control"), nodeName)

	reg, err := client.Register(ctx, controlclient.RegisterRequest{
		CSR:  []byte("lunatic-node-" + nodeName.String()),
		Tags: parseTags(c.StringSlice("tag")),
	})
	if err != nil {
		return newConfigError("node: register with control plane: %v", err)
	}

	rtCfg := base.toRuntimeConfig()
	rtCfg.Node = procid.NodeID(reg.NodeID)
	rt, err := runtime.New(ctx, rtCfg, logger, nil)
	if err != nil {
		return newConfigError("node: build runtime: %v", err)
	}
	defer func() { _ = rt.Stop(context.Background()) }()

	books := newAddressBook()
	rt.Remote = dist.NewDispatcher(books, map[time.Duration]int{time.Second: 1000})

	handler := &nodeHandler{rt: rt, client: client}
	srv := dist.NewServer(handler)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	if err := client.Started(ctx, controlclient.NodeInfo{
		Name:    nodeName.String(),
		Address: ln.Addr().String(),
		Tags:    parseTags(c.StringSlice("tag")),
	}); err != nil {
		return newConfigError("node: report started: %v", err)
	}
	logger.Info().Str("addr", ln.Addr().String()).Uint64("node_id", reg.NodeID).Log("node joined cluster")

	go refreshAddressBook(ctx, client, books, logger)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Err().Err(err).Log("dist server stopped unexpectedly")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Stopped(stopCtx); err != nil {
		logger.Warn().Err(err).Log("failed to report stopped to control plane")
	}
	return nil
}

// refreshAddressBook periodically refreshes the dialer's node id -> address
// map from the control plane's membership list. Ticks are coalesced via
// longpoll.Channel so a slow refresh never leaves a backlog of pending
// ticks once it catches up — the same batch-drain shape the pack uses for
// receiving as much as is available from a channel in one pass, applied
// here to timer ticks instead of data values.
func refreshAddressBook(ctx context.Context, client *controlclient.Client, books *addressBook, logger *obs.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	cfg := &longpoll.ChannelConfig{MaxSize: -1, MinSize: 1, PartialTimeout: 0}
	for {
		err := longpoll.Channel(ctx, cfg, ticker.C, func(time.Time) error {
			nodes, err := client.Nodes(ctx)
			if err != nil {
				return err
			}
			books.update(nodes)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Log("address book refresh failed")
		}
	}
}

// addressBook maps a dist-layer node id to its dial address, refreshed
// from the control plane's node list, and implements dist.Dialer over
// plain net.Dial.
type addressBook struct {
	mu   sync.RWMutex
	addr map[procid.NodeID]string
}

func newAddressBook() *addressBook {
	return &addressBook{addr: make(map[procid.NodeID]string)}
}

func (b *addressBook) update(nodes []controlclient.NodeInfo) {
	addr := make(map[procid.NodeID]string, len(nodes))
	for _, n := range nodes {
		if n.Address != "" {
			addr[procid.NodeID(n.NodeID)] = n.Address
		}
	}
	b.mu.Lock()
	b.addr = addr
	b.mu.Unlock()
}

func (b *addressBook) Dial(ctx context.Context, node procid.NodeID) (io.ReadWriteCloser, error) {
	b.mu.RLock()
	addr, ok := b.addr[node]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node: no known address for node %d", node)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// nodeHandler bridges inbound dist requests to the local runtime.
type nodeHandler struct {
	rt     *runtime.Runtime
	client *controlclient.Client
}

func (h *nodeHandler) HandleSpawn(ctx context.Context, req *dist.SpawnRequest) (uint64, error) {
	if _, ok := h.rt.ModuleCache.Peek(req.ModuleID); !ok {
		wasmBytes, err := h.client.FetchModule(ctx, req.ModuleID)
		if err != nil {
			return 0, &dist.ClientError{Kind: dist.ErrKindModuleNotFound, Text: err.Error()}
		}
		if err := h.rt.LoadModule(ctx, req.ModuleID, wasmBytes); err != nil {
			return 0, &dist.ClientError{Kind: dist.ErrKindModuleNotFound, Text: err.Error()}
		}
	}

	short, err := h.rt.Spawn(ctx, capability.SpawnRequest{
		ModuleID:   req.ModuleID,
		EntryPoint: req.Function,
		Config:     process.DefaultConfig(),
	})
	if err != nil {
		return 0, &dist.ClientError{Kind: dist.ErrKindUnexpected, Text: err.Error()}
	}
	return uint64(short), nil
}

func (h *nodeHandler) HandleMessage(ctx context.Context, req *dist.MessageRequest) error {
	msg := message.NewData(message.NewTag(req.Tag), req.Bytes, nil)
	if err := h.rt.Environment.Send(procid.Short(req.Pid), lunaticsignal.Message(msg)); err != nil {
		if errors.Is(err, lunaticsignal.ErrGone) {
			return &dist.ClientError{Kind: dist.ErrKindProcessNotFound, Text: err.Error()}
		}
		return &dist.ClientError{Kind: dist.ErrKindUnexpected, Text: err.Error()}
	}
	return nil
}
