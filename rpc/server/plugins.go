package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dProxy/lib/resolver"
	"github.com/ValentinKolb/dProxy/lib/service"
	"github.com/ValentinKolb/dProxy/lib/tracker"
	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
)

// BodyTypeRegister is consumed by the registry plugin: the body lists nodes as
// ident=address pairs that are added to the runtime resolver
const BodyTypeRegister = "dproxy.register"

// maxLoggedBody bounds the body bytes written by the log plugin
const maxLoggedBody = 256

// --------------------------------------------------------------------------
// RPC
// --------------------------------------------------------------------------

// rpcPlugin completes the sidecar's own calls. Responses addressed to this node are
// always consumed (unmatched ones are orphans), Notifications only if they belong to a
// live call, otherwise they continue to the application.
type rpcPlugin struct {
	tracker *tracker.Tracker
	node    *common.NodeContext
}

// NewRPCPlugin creates the plugin delivering responses to t
func NewRPCPlugin(t *tracker.Tracker) IPlugin {
	return &rpcPlugin{tracker: t}
}

func (p *rpcPlugin) Name() string { return "rpc" }

func (p *rpcPlugin) Init(node *common.NodeContext) error {
	p.node = node
	return nil
}

func (p *rpcPlugin) Ready() bool { return true }

func (p *rpcPlugin) Call(_ context.Context, msg *common.Message) (*common.Message, error) {
	h := msg.Header
	if h.Destination != p.node.Ident || h.IsMasked() {
		return msg, nil
	}
	switch {
	case h.IsRsp():
		p.tracker.Deliver(msg)
		return nil, nil
	case h.IsNtf() && p.tracker.Deliver(msg):
		return nil, nil
	default:
		return msg, nil
	}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// registryPlugin consumes register messages addressed to this node and adds the listed
// nodes to the runtime resolver
type registryPlugin struct {
	runtime resolver.IResolver
	node    *common.NodeContext
}

// NewRegistryPlugin creates the plugin adding runtime registrations to r
func NewRegistryPlugin(r resolver.IResolver) IPlugin {
	return &registryPlugin{runtime: r}
}

func (p *registryPlugin) Name() string { return "registry" }

func (p *registryPlugin) Init(node *common.NodeContext) error {
	p.node = node
	return nil
}

func (p *registryPlugin) Ready() bool { return true }

func (p *registryPlugin) Call(_ context.Context, msg *common.Message) (*common.Message, error) {
	if msg.Header.BodyType != BodyTypeRegister || msg.Header.Destination != p.node.Ident {
		return msg, nil
	}

	decls, err := common.ParseNodeDecls(string(msg.Body), util.HashIdent)
	if err != nil {
		return nil, common.Errorf(common.ErrCProtocol, "invalid registration from %#08x: %v", msg.Header.Source, err)
	}
	resolver.LoadNodes(p.runtime, decls)
	Logger.Infof("Registered %d nodes from %#08x", len(decls), msg.Header.Source)
	return nil, nil
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

// logPlugin consumes every message whose body type starts with prefix and writes it
// to the log
type logPlugin struct {
	prefix string
	node   *common.NodeContext
}

// NewLogPlugin creates the plugin consuming body types with the given prefix
func NewLogPlugin(prefix string) IPlugin {
	return &logPlugin{prefix: prefix}
}

func (p *logPlugin) Name() string { return "log" }

func (p *logPlugin) Init(node *common.NodeContext) error {
	if p.prefix == "" {
		return fmt.Errorf("log plugin needs a body type prefix")
	}
	p.node = node
	return nil
}

func (p *logPlugin) Ready() bool { return true }

func (p *logPlugin) Call(_ context.Context, msg *common.Message) (*common.Message, error) {
	if !strings.HasPrefix(msg.Header.BodyType, p.prefix) {
		return msg, nil
	}

	body := msg.Body
	suffix := ""
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
		suffix = "..."
	}
	Logger.Infof("[%s] %#08x -> %#08x: %q%s", msg.Header.BodyType, msg.Header.Source, msg.Header.Destination, body, suffix)
	return nil, nil
}

// --------------------------------------------------------------------------
// Rate limit
// --------------------------------------------------------------------------

// rateLimitPlugin makes the pipeline not ready while its token bucket is empty
type rateLimitPlugin struct {
	service.IService[common.Message]
}

// NewRateLimitPlugin creates the plugin admitting r messages per second (burst),
// a non-positive r disables the limit
func NewRateLimitPlugin(r float64, burst int) IPlugin {
	return &rateLimitPlugin{IService: service.NewRateLimit[common.Message](r, burst)}
}

func (p *rateLimitPlugin) Name() string { return "ratelimit" }

func (p *rateLimitPlugin) Init(*common.NodeContext) error { return nil }

// --------------------------------------------------------------------------
// Pipeline assembly
// --------------------------------------------------------------------------

// BuildPipeline initializes plugins in order and chains them in front of terminal.
// Every stage is instrumented under its name, the terminal stage as "dispatch".
func BuildPipeline(
	node *common.NodeContext,
	plugins []IPlugin,
	terminal service.IService[common.Message],
) (service.IService[common.Message], error) {
	stages := make([]service.IService[common.Message], 0, len(plugins)+1)
	for _, p := range plugins {
		if err := p.Init(node); err != nil {
			return nil, fmt.Errorf("failed to init plugin %s: %w", p.Name(), err)
		}
		stages = append(stages, service.Instrument[common.Message](p.Name(), p))
		Logger.Debugf("Added plugin %s", p.Name())
	}
	stages = append(stages, service.Instrument("dispatch", terminal))
	return service.Pipeline(stages...), nil
}
