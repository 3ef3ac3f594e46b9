package common

import (
	"fmt"
	"github.com/google/uuid"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Node identity (passed explicitly to every component that needs it)
// --------------------------------------------------------------------------

// NodeContext describes the sidecar's own node. It is constructed once at startup
// and handed to plugins and the dispatcher by reference.
type NodeContext struct {
	// Ident is the logical identifier of the local node
	Ident uint32
	// Address is the network endpoint peers use to reach this sidecar
	Address string
	// InstanceID distinguishes restarts of the same node in logs
	InstanceID uuid.UUID
}

// NewNodeContext creates the node context with a fresh instance id
func NewNodeContext(ident uint32, address string) *NodeContext {
	return &NodeContext{
		Ident:      ident,
		Address:    address,
		InstanceID: uuid.New(),
	}
}

// String returns a short representation used in log lines
func (n *NodeContext) String() string {
	return fmt.Sprintf("node %#08x@%s (%s)", n.Ident, n.Address, n.InstanceID)
}

// --------------------------------------------------------------------------
// Node declarations
// --------------------------------------------------------------------------

// NodeDecl is one static resolver entry from the configuration
type NodeDecl struct {
	Ident   uint32
	Address string
}

// ParseIdent parses a node identifier. Decimal and 0x-prefixed hexadecimal values are
// taken literally, any other string is hashed down to 32 bits.
func ParseIdent(s string, hash func(string) uint32) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ident")
	}
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}
	if s[0] >= '0' && s[0] <= '9' {
		return 0, fmt.Errorf("invalid numeric ident %q", s)
	}
	if hash == nil {
		return 0, fmt.Errorf("invalid ident %q", s)
	}
	return hash(s), nil
}

// ParseNodeDecls parses a comma-separated list in the format 'ident=host:port,...'
func ParseNodeDecls(s string, hash func(string) uint32) ([]NodeDecl, error) {
	var decls []NodeDecl
	if strings.TrimSpace(s) == "" {
		return decls, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid node format: %s (expected IDENT=ADDRESS)", part)
		}
		ident, err := ParseIdent(kv[0], hash)
		if err != nil {
			return nil, err
		}
		address := strings.TrimSpace(kv[1])
		if address == "" {
			return nil, fmt.Errorf("missing address for node %s", kv[0])
		}
		decls = append(decls, NodeDecl{Ident: ident, Address: address})
	}
	return decls, nil
}

// --------------------------------------------------------------------------
// Sidecar configuration struct
// --------------------------------------------------------------------------

// SidecarConfig holds all configuration parameters of a sidecar instance.
type SidecarConfig struct {
	// Identity
	Ident   uint32
	Address string // peer listen address

	// Transports
	Transport     string // tcp or unix (peer leg)
	Serializer    string // binary, json or gob
	LocalEndpoint string // endpoint for local clients (dproxy send)
	HTTPEndpoint  string // optional http ingress and metrics, empty disables
	ShmPath       string // base path of the shared memory rings, empty disables
	ShmCapacity   int    // capacity of each ring in bytes

	// Resolver
	Nodes     []NodeDecl
	CacheSize int
	LiveTime  time.Duration

	// Corral
	CorralLimit    int
	CorralRate     float64
	CorralBurst    int
	PendingTimeout time.Duration
	IdleTimeout    time.Duration

	// Tracker
	TrackerQueueSize int
	ExitTimeout      time.Duration

	// Pipeline
	RateLimit float64
	RateBurst int
	LogTypes  string // body type prefix consumed by the log stage
	Workers   int    // concurrent pipeline calls per ingress

	// Supervised command
	Command []string

	// Logging configuration
	LogLevel string
}

// DefaultSidecarConfig returns the defaults also used by the command line flags
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		Address:          "0.0.0.0:7070",
		Transport:        "tcp",
		Serializer:       "binary",
		LocalEndpoint:    "/tmp/dproxy.sock",
		ShmCapacity:      1 << 20,
		CacheSize:        1024,
		LiveTime:         30 * time.Second,
		CorralLimit:      1024,
		PendingTimeout:   5 * time.Second,
		IdleTimeout:      60 * time.Second,
		TrackerQueueSize: 4096,
		ExitTimeout:      5 * time.Second,
		LogTypes:         "log",
		Workers:          64,
		LogLevel:         "info",
	}
}

// Validate checks that the configuration can be used to start a sidecar
func (c *SidecarConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Transport != "tcp" && c.Transport != "unix" {
		return fmt.Errorf("invalid transport %s (expected tcp or unix)", c.Transport)
	}
	if c.TrackerQueueSize <= 0 {
		return fmt.Errorf("tracker-queue-size must be positive")
	}
	if c.ExitTimeout <= 0 {
		return fmt.Errorf("exit-timeout must be positive")
	}
	if c.PendingTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("pending-timeout and idle-timeout must be positive")
	}
	if c.ShmPath != "" && c.ShmCapacity < 64 {
		return fmt.Errorf("shm-capacity must be at least 64 bytes")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *SidecarConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node Identity
	addSection("Node Identity")
	addField("Ident", fmt.Sprintf("%#08x", c.Ident))
	addField("Address", c.Address)

	// Transports
	addSection("Transport")
	addField("Peer Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Local Endpoint", c.LocalEndpoint)
	addField("HTTP Endpoint", orDisabled(c.HTTPEndpoint))
	addField("Shared Memory", orDisabled(c.ShmPath))
	if c.ShmPath != "" {
		addField("Ring Capacity", fmt.Sprintf("%d bytes", c.ShmCapacity))
	}

	// Resolver
	addSection("Resolver")
	addField("Cache Size", strconv.Itoa(c.CacheSize))
	addField("Live Time", c.LiveTime.String())

	// Corral
	addSection("Corral")
	addField("Limit", strconv.Itoa(c.CorralLimit))
	addField("Rate", rateString(c.CorralRate, c.CorralBurst))
	addField("Pending Timeout", c.PendingTimeout.String())
	addField("Idle Timeout", c.IdleTimeout.String())

	// Tracker
	addSection("Tracker")
	addField("Queue Size", strconv.Itoa(c.TrackerQueueSize))
	addField("Exit Timeout", c.ExitTimeout.String())

	// Pipeline
	addSection("Pipeline")
	addField("Rate Limit", rateString(c.RateLimit, c.RateBurst))
	addField("Log Types", c.LogTypes)
	addField("Workers", strconv.Itoa(c.Workers))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Supervised command
	if len(c.Command) > 0 {
		addSection("Command")
		addField("Exec", strings.Join(c.Command, " "))
	}

	// Nodes
	addSection("Nodes")
	nodes := append([]NodeDecl(nil), c.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Ident < nodes[j].Ident })
	for _, n := range nodes {
		sb.WriteString(fmt.Sprintf("    Node %#08x: %s\n", n.Ident, n.Address))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

func rateString(rate float64, burst int) string {
	if rate <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.1f/s (burst %d)", rate, burst)
}

// --------------------------------------------------------------------------
// Local client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures a client of the sidecar's local endpoint (used by dproxy send)
type ClientConfig struct {
	Endpoint   string
	Transport  string
	Serializer string
	Timeout    time.Duration
	QueueSize  int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("\nCLIENT CONFIGURATION\n")
	addField("Endpoint", c.Endpoint)
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Timeout", c.Timeout.String())
	addField("Queue Size", strconv.Itoa(c.QueueSize))

	return sb.String()
}

// EndpointTransport returns the transport used for a local endpoint: "tcp" for
// host:port endpoints, "unix" for socket paths
func EndpointTransport(endpoint string) string {
	if strings.Contains(endpoint, "/") || !strings.Contains(endpoint, ":") {
		return "unix"
	}
	return "tcp"
}
