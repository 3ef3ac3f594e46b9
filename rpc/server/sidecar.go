package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dProxy/lib/corral"
	"github.com/ValentinKolb/dProxy/lib/exit"
	"github.com/ValentinKolb/dProxy/lib/resolver"
	"github.com/ValentinKolb/dProxy/lib/service"
	"github.com/ValentinKolb/dProxy/lib/shm"
	"github.com/ValentinKolb/dProxy/lib/tracker"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/serializer"
	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/ValentinKolb/dProxy/rpc/transport/base"
	"github.com/ValentinKolb/dProxy/rpc/transport/http"
	"github.com/ValentinKolb/dProxy/rpc/transport/tcp"
	"github.com/ValentinKolb/dProxy/rpc/transport/unix"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("sidecar")

var (
	processedTotal = vmetrics.NewCounter("dproxy_messages_processed_total")
	droppedTotal   = vmetrics.NewCounter("dproxy_messages_dropped_total")
)

// injectTimeout bounds how long an HTTP injection waits for the pipeline to become ready
const injectTimeout = time.Second

// RingPaths returns the paths of the inbound (application to sidecar) and outbound
// (sidecar to application) rings for the configured base path
func RingPaths(base string) (in, out string) {
	return base + ".in", base + ".out"
}

// Option configures a sidecar
type Option func(*Sidecar)

// WithPlugins appends plugins to the pipeline, after the built-in ones and in front of
// the dispatcher
func WithPlugins(plugins ...IPlugin) Option {
	return func(s *Sidecar) { s.plugins = append(s.plugins, plugins...) }
}

// WithExit makes the sidecar use coord instead of its own coordinator
func WithExit(coord *exit.Coordinator) Option {
	return func(s *Sidecar) { s.exit = coord }
}

// Sidecar ties the core components together: messages from the local application
// (shared memory rings or local endpoint) and from other sidecars run through the
// plugin pipeline, the dispatcher forwards them to the local application or over a
// corral link to the sidecar of the destination node.
type Sidecar struct {
	config     common.SidecarConfig
	node       *common.NodeContext
	exit       *exit.Coordinator
	serializer serializer.IRPCSerializer

	resolver resolver.IResolver
	runtime  resolver.IResolver
	tracker  *tracker.Tracker
	corral   *corral.Corral
	peers    *peers

	plugins  []IPlugin
	dispatch *service.Cell[common.Message]
	pipeline service.IService[common.Message]

	peerServer  transport.IRPCServerTransport
	localServer transport.IRPCServerTransport
	ingress     *http.Ingress
	locals      *xsync.MapOf[transport.ILink, struct{}]
	in          *shm.Receiver
	out         *shm.Sender

	startOnce  sync.Once
	startErr   error
	closeOnce  sync.Once
	workCtx    context.Context
	cancelWork context.CancelFunc
}

// NewSidecar creates a sidecar from config. Nothing is bound before Start or Run.
//
// Usage:
//
//	s, err := server.NewSidecar(config)
//	if err != nil {
//		return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	return s.Run(ctx)
func NewSidecar(config common.SidecarConfig, opts ...Option) (*Sidecar, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Workers < 1 {
		config.Workers = 1
	}

	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}

	s := &Sidecar{
		config:     config,
		node:       common.NewNodeContext(config.Ident, config.Address),
		exit:       exit.New(),
		serializer: ser,
		locals:     xsync.NewMapOf[transport.ILink, struct{}](),
	}
	s.workCtx, s.cancelWork = context.WithCancel(context.Background())

	// Resolver: cached static declarations first, runtime registrations second
	static := resolver.NewLocal()
	resolver.LoadNodes(static, config.Nodes)
	s.runtime = resolver.NewLocal()
	s.resolver = resolver.NewChain(resolver.NewCached(static, config.CacheSize, config.LiveTime), s.runtime)

	s.tracker = tracker.New(tracker.Config{
		QueueSize:   config.TrackerQueueSize,
		ExitTimeout: config.ExitTimeout,
	})
	s.corral = corral.New(corral.Config{
		Limit:          config.CorralLimit,
		PendingTimeout: config.PendingTimeout,
		IdleTimeout:    config.IdleTimeout,
		Rate:           config.CorralRate,
		Burst:          config.CorralBurst,
	}, corral.WithEventHandler(s.onCorralEvent))

	// Transports
	linkConfig := base.LinkConfig{
		WorkersPerLink: config.Workers,
		WriteTimeout:   config.PendingTimeout,
		RetryCount:     1,
	}
	var peerClient transport.IRPCClientTransport
	switch config.Transport {
	case "unix":
		s.peerServer = unix.NewUnixServerTransport(linkConfig)
		peerClient = unix.NewUnixClientTransport(linkConfig)
	default:
		s.peerServer = tcp.NewTCPServerTransport(linkConfig)
		peerClient = tcp.NewTCPClientTransport(linkConfig)
	}
	s.peerServer.RegisterHandler(s.handlePeerFrame)
	s.peers = newPeers(s.corral, peerClient, s.handlePeerFrame, config.PendingTimeout)

	if common.EndpointTransport(config.LocalEndpoint) == "tcp" {
		s.localServer = tcp.NewTCPServerTransport(linkConfig)
	} else {
		s.localServer = unix.NewUnixServerTransport(linkConfig)
	}
	s.localServer.RegisterHandler(s.handleLocalFrame)

	// Pipeline: built-in plugins, custom plugins, dispatcher
	s.plugins = []IPlugin{
		NewRPCPlugin(s.tracker),
		NewRegistryPlugin(s.runtime),
		NewLogPlugin(config.LogTypes),
		NewRateLimitPlugin(config.RateLimit, config.RateBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dispatch = service.NewCell[common.Message]()
	if s.pipeline, err = BuildPipeline(s.node, s.plugins, s.dispatch); err != nil {
		return nil, err
	}
	if err := s.dispatch.Set(&dispatcher{
		node:       s.node,
		resolver:   s.resolver,
		serializer: s.serializer,
		peers:      s.peers,
		local:      s.deliverLocal,
	}); err != nil {
		return nil, err
	}

	Logger.Infof("Created sidecar %s", s.node)
	Logger.Infof("%s", config.String())
	return s, nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Node returns the node context of this sidecar
func (s *Sidecar) Node() *common.NodeContext { return s.node }

// Exit returns the exit coordinator observed by all loops of the sidecar
func (s *Sidecar) Exit() *exit.Coordinator { return s.exit }

// Tracker returns the tracker correlating the sidecar's calls
func (s *Sidecar) Tracker() *tracker.Tracker { return s.tracker }

// Resolver returns the resolver used by the dispatcher
func (s *Sidecar) Resolver() resolver.IResolver { return s.resolver }

// AddNode registers a node in the runtime resolver. Static declarations take precedence.
func (s *Sidecar) AddNode(ident uint32, address string) { s.runtime.AddNode(ident, address) }

// PeerAddr returns the bound peer listener address (after Start)
func (s *Sidecar) PeerAddr() string { return s.peerServer.Addr() }

// LocalAddr returns the bound local endpoint (after Start)
func (s *Sidecar) LocalAddr() string { return s.localServer.Addr() }

// HTTPAddr returns the bound HTTP ingress address, empty if disabled
func (s *Sidecar) HTTPAddr() string {
	if s.ingress == nil {
		return ""
	}
	return s.ingress.Addr()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start binds the listeners and creates the shared memory rings. It is called by Run,
// calling it earlier allows to learn the bound addresses.
func (s *Sidecar) Start() error {
	s.startOnce.Do(func() {
		s.startErr = s.start()
		if s.startErr != nil {
			s.closeTransports()
		}
	})
	return s.startErr
}

func (s *Sidecar) start() error {
	if err := s.peerServer.Listen(s.config.Address); err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}
	if err := s.localServer.Listen(s.config.LocalEndpoint); err != nil {
		return fmt.Errorf("local endpoint: %w", err)
	}

	if s.config.HTTPEndpoint != "" {
		s.ingress = http.NewIngress(s.Inject, s.config.LogLevel == "debug")
		if err := s.ingress.Listen(s.config.HTTPEndpoint); err != nil {
			return fmt.Errorf("http ingress: %w", err)
		}
	}

	if s.config.ShmPath != "" {
		inPath, outPath := RingPaths(s.config.ShmPath)

		inSender, in, err := shm.Create(inPath, s.config.ShmCapacity)
		if err != nil {
			return fmt.Errorf("inbound ring: %w", err)
		}
		// the application attaches and owns the sending side
		inSender.Release()
		s.in = in

		out, outReceiver, err := shm.Create(outPath, s.config.ShmCapacity)
		if err != nil {
			return fmt.Errorf("outbound ring: %w", err)
		}
		outReceiver.Release()
		s.out = out

		Logger.Infof("Created rings %s and %s (%d bytes each)", inPath, outPath, s.config.ShmCapacity)
	}
	return nil
}

// Run starts the sidecar and blocks until ctx ends, Stop is called or a listener fails.
// It then runs the graceful exit: pumps stop pulling new messages, the tracker and the
// corral drain, and finally all transports are closed.
func (s *Sidecar) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	// pumps stop as soon as the exit starts
	pumpCtx, cancelPumps := context.WithCancel(ctx)
	defer cancelPumps()
	go func() {
		select {
		case <-s.exit.Started():
		case <-pumpCtx.Done():
		}
		cancelPumps()
	}()

	s.tracker.Start(s.workCtx, s.exit)
	s.corral.Start(s.workCtx, s.exit)

	errCh := make(chan error, 3)
	serve := func(ctx context.Context, name string, f func(context.Context) error) {
		go func() {
			if err := f(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	serve(s.workCtx, "peer listener", s.peerServer.Serve)
	serve(s.workCtx, "local endpoint", s.localServer.Serve)
	if s.ingress != nil {
		serve(pumpCtx, "http ingress", s.ingress.Serve)
	}
	if s.in != nil {
		done := s.exit.Register("ring")
		go func() {
			defer done()
			s.pumpRing(pumpCtx)
		}()
	}

	Logger.Infof("Sidecar %s is running (peers %s, local %s)", s.node, s.PeerAddr(), s.LocalAddr())

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.exit.Started():
	case runErr = <-errCh:
		Logger.Errorf("Stopping after failure: %v", runErr)
	}

	s.shutdown()
	return runErr
}

// Stop starts the graceful exit, Run returns once it finished
func (s *Sidecar) Stop() {
	s.exit.NotifyStart()
}

// shutdown runs the exit protocol and releases all transports
func (s *Sidecar) shutdown() {
	Logger.Infof("Shutting down %s", s.node)

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.config.ExitTimeout)
	defer cancel()
	if pending, err := s.exit.Shutdown(ctx); err != nil {
		Logger.Warningf("Exit timed out, still draining: %v", pending)
	}

	Logger.Infof("Tracker: %s", s.tracker.Stats())
	s.closeTransports()
	s.cancelWork()
	Logger.Infof("Sidecar %s stopped", s.node)
}

// closeTransports closes every listener, link and ring once
func (s *Sidecar) closeTransports() {
	s.closeOnce.Do(func() {
		if s.ingress != nil {
			s.ingress.Close()
		}
		s.localServer.Close()
		s.peerServer.Close()
		s.corral.CloseAll()
		if s.out != nil {
			s.out.Close()
		}
		if s.in != nil {
			s.in.Release()
		}
	})
}

// --------------------------------------------------------------------------
// Message entry points
// --------------------------------------------------------------------------

// Call sends the request msg on behalf of a local client and waits for the response.
// The request is numbered by the sidecar's tracker, the response is returned with the
// sequence number of msg.
func (s *Sidecar) Call(ctx context.Context, msg *common.Message) (*common.Message, error) {
	seq := msg.Header.Seq

	req := msg.Clone()
	req.Header.Source = s.node.Ident
	rsp, err := s.tracker.Send(ctx, req, func(m *common.Message) error {
		_, err := service.ReadyCall(ctx, s.pipeline, m)
		return err
	})
	if err != nil {
		return nil, err
	}

	rsp = rsp.Clone()
	rsp.Header = rsp.Header.WithSeq(seq)
	return rsp, nil
}

// Inject runs a plain message from the local leg through the pipeline. If the pipeline
// stays busy for too long a Backpressure error is returned.
func (s *Sidecar) Inject(ctx context.Context, msg *common.Message) error {
	if s.exit.IsExiting() {
		return common.Errorf(common.ErrCShuttingDown, "sidecar %#08x is shutting down", s.node.Ident)
	}
	if msg.Header.IsReq() {
		return common.NewError(common.ErrCProtocol, "requests have to be sent with Call")
	}
	if msg.Header.Source == 0 {
		msg.Header.Source = s.node.Ident
	}

	ctx, cancel := context.WithTimeout(ctx, injectTimeout)
	defer cancel()
	_, err := service.ReadyCall(ctx, s.pipeline, msg)
	if errors.Is(err, context.DeadlineExceeded) {
		return common.Errorf(common.ErrCBackpressure, "pipeline not ready within %s", injectTimeout)
	}
	if err == nil {
		processedTotal.Inc()
	}
	return err
}

// ingestLocal handles a message of the local application. Requests are re-numbered
// through Call and answered with reply, everything else runs through the pipeline.
func (s *Sidecar) ingestLocal(ctx context.Context, msg *common.Message, reply func(*common.Message) error) {
	if msg.Header.Source == 0 {
		msg.Header.Source = s.node.Ident
	}

	if msg.Header.IsReq() {
		rsp, err := s.Call(ctx, msg)
		if err != nil {
			Logger.Debugf("Call %s failed: %v", msg, err)
			rsp = common.NewErrorResponse(msg, err)
		}
		if err := reply(rsp); err != nil {
			Logger.Warningf("Failed to answer %s: %v", msg, err)
		}
		return
	}

	// answers may still complete calls during the exit, new work is rejected
	if s.exit.IsExiting() && !msg.Header.IsRsp() && !msg.Header.IsNtf() {
		droppedTotal.Inc()
		Logger.Warningf("Dropping %s: sidecar is shutting down", msg)
		return
	}
	s.process(ctx, msg)
}

// process runs msg through the pipeline, failures drop the message
func (s *Sidecar) process(ctx context.Context, msg *common.Message) {
	if _, err := service.ReadyCall(ctx, s.pipeline, msg); err != nil {
		droppedTotal.Inc()
		if errors.Is(err, common.ErrNotFound) {
			Logger.Debugf("Dropping %s: %v", msg, err)
		} else {
			Logger.Warningf("Dropping %s: %v", msg, err)
		}
		return
	}
	processedTotal.Inc()
}

// deliverLocal hands a message addressed to this node to the application: through the
// outbound ring if shared memory is configured, otherwise to every local client
func (s *Sidecar) deliverLocal(ctx context.Context, msg *common.Message, payload []byte) error {
	if s.out != nil {
		return s.out.Push(ctx, payload)
	}

	delivered := 0
	s.locals.Range(func(link transport.ILink, _ struct{}) bool {
		if err := link.Send(msg.Header.Destination, payload); err == nil {
			delivered++
		}
		return true
	})
	if delivered == 0 {
		return common.Errorf(common.ErrCNotFound, "no local application attached for %s", msg)
	}
	return nil
}

// --------------------------------------------------------------------------
// Transport handlers
// --------------------------------------------------------------------------

// handlePeerFrame processes a frame received from another sidecar
func (s *Sidecar) handlePeerFrame(link transport.ILink, _ uint32, payload []byte) {
	msg := &common.Message{}
	if err := s.serializer.Deserialize(payload, msg); err != nil {
		droppedTotal.Inc()
		Logger.Warningf("Dropping malformed frame from %s: %v", link.Remote(), err)
		return
	}
	msg.Peer = link.Remote()
	s.process(s.workCtx, msg)
}

// handleLocalFrame processes a frame of a local client. A client receives the messages
// addressed to this node once it sent its first frame.
func (s *Sidecar) handleLocalFrame(link transport.ILink, _ uint32, payload []byte) {
	if _, loaded := s.locals.LoadOrStore(link, struct{}{}); !loaded {
		go func() {
			<-link.Done()
			s.locals.Delete(link)
		}()
	}

	msg := &common.Message{}
	if err := s.serializer.Deserialize(payload, msg); err != nil {
		droppedTotal.Inc()
		Logger.Warningf("Dropping malformed frame from local client %s: %v", link.Remote(), err)
		return
	}

	s.ingestLocal(s.workCtx, msg, func(rsp *common.Message) error {
		b, err := s.serializer.Serialize(rsp)
		if err != nil {
			return err
		}
		return link.Send(rsp.Header.Destination, b)
	})
}

// pumpRing moves messages from the inbound ring into the pipeline. It pauses while the
// pipeline is not ready and runs at most Workers messages concurrently.
func (s *Sidecar) pumpRing(ctx context.Context) {
	workerSemaphore := make(chan struct{}, s.config.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	reply := func(rsp *common.Message) error {
		b, err := s.serializer.Serialize(rsp)
		if err != nil {
			return err
		}
		return s.deliverLocal(s.workCtx, rsp, b)
	}

	for {
		if err := service.AwaitReady(ctx, s.pipeline); err != nil {
			return
		}

		payload, err := s.in.Pop(ctx)
		if err != nil {
			switch {
			case errors.Is(err, shm.ErrClosed):
				Logger.Infof("Application closed the inbound ring")
			case ctx.Err() != nil:
			default:
				Logger.Errorf("Reading the inbound ring failed: %v", err)
			}
			return
		}

		msg := &common.Message{}
		if err := s.serializer.Deserialize(payload, msg); err != nil {
			droppedTotal.Inc()
			Logger.Warningf("Dropping malformed record from the inbound ring: %v", err)
			continue
		}

		select {
		case workerSemaphore <- struct{}{}:
		case <-ctx.Done():
			droppedTotal.Inc()
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-workerSemaphore
				wg.Done()
			}()
			s.ingestLocal(s.workCtx, msg, reply)
		}()
	}
}

// onCorralEvent logs connection failures with the node context
func (s *Sidecar) onCorralEvent(ev corral.Event) {
	switch ev.Kind {
	case corral.EventTimedOut, corral.EventFailed:
		Logger.Infof("%s lost peer %s", s.node, ev)
	}
}
