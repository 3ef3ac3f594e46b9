package util

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/transport"
	"github.com/ValentinKolb/dProxy/rpc/transport/base"
	"github.com/ValentinKolb/dProxy/rpc/transport/tcp"
	"github.com/ValentinKolb/dProxy/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by dproxy
	EnvPrefix = "dproxy"
)

// Environment passed to a supervised command
const (
	EnvShmIn         = "DPROXY_SHM_IN"
	EnvShmOut        = "DPROXY_SHM_OUT"
	EnvIdent         = "DPROXY_IDENT"
	EnvLocalEndpoint = "DPROXY_LOCAL_ENDPOINT"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration sources
// --------------------------------------------------------------------------

// InitConfig loads .env files, the optional config file and sets up the environment binding
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to read config file %s: %v\n", file, err)
		}
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// ParseIdent parses a node ident given as decimal, hexadecimal or name
func ParseIdent(s string) (uint32, error) {
	return common.ParseIdent(s, util.HashIdent)
}

// --------------------------------------------------------------------------
// Sidecar flags
// --------------------------------------------------------------------------

// SetupSidecarFlags adds every sidecar option to cmd. The defaults are taken from
// common.DefaultSidecarConfig.
func SetupSidecarFlags(cmd *cobra.Command) {
	d := common.DefaultSidecarConfig()
	flags := cmd.PersistentFlags()

	flags.String("ident", "", WrapString("Ident of this node (decimal, 0x-prefixed hexadecimal or a name that is hashed)"))
	flags.String("address", d.Address, WrapString("The address on which other sidecars reach this sidecar"))
	flags.String("transport", d.Transport, WrapString("Transport between sidecars (tcp, unix)"))
	flags.String("serializer", d.Serializer, WrapString("Serializer of the message envelope (binary, json, gob)"))
	flags.String("local-endpoint", d.LocalEndpoint, WrapString("Endpoint of local clients (socket path or host:port)"))
	flags.String("http-endpoint", "", WrapString("Optional address of the HTTP ingress and the /metrics endpoint"))
	flags.String("shm-path", "", WrapString("Base path of the shared memory rings, empty disables them (the rings are <path>.in and <path>.out)"))
	flags.Int("shm-capacity", d.ShmCapacity, WrapString("Capacity of each ring in bytes"))

	flags.String("nodes", "", WrapString("Comma-separated list of static nodes in the format 'ident=host:port,...'"))
	flags.Int("cache-size", d.CacheSize, WrapString("Number of resolved addresses kept in the cache"))
	flags.Duration("live-time", d.LiveTime, WrapString("How long a cached address stays valid"))

	flags.Int("corral-limit", d.CorralLimit, WrapString("Maximum number of tracked peer connections, 0 disables the limit"))
	flags.Float64("corral-rate", d.CorralRate, WrapString("New peer connections per second, 0 disables the limit"))
	flags.Int("corral-burst", d.CorralBurst, WrapString("Burst of new peer connections"))
	flags.Duration("pending-timeout", d.PendingTimeout, WrapString("How long a connection may stay pending before it is discarded"))
	flags.Duration("idle-timeout", d.IdleTimeout, WrapString("How long an active connection may stay idle before it is closed"))

	flags.Int("tracker-queue-size", d.TrackerQueueSize, WrapString("Maximum number of outstanding calls"))
	flags.Duration("exit-timeout", d.ExitTimeout, WrapString("Call timeout and drain bound of the graceful exit"))

	flags.Float64("rate-limit", d.RateLimit, WrapString("Messages per second admitted by the pipeline, 0 disables the limit"))
	flags.Int("rate-burst", d.RateBurst, WrapString("Burst of the pipeline rate limit"))
	flags.String("log-types", d.LogTypes, WrapString("Body type prefix consumed and logged by the log stage"))
	flags.Int("workers", d.Workers, WrapString("Concurrent pipeline calls per ingress"))

	flags.String("log-level", d.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetSidecarConfig reads the sidecar configuration from viper
func GetSidecarConfig() (*common.SidecarConfig, error) {
	config := common.DefaultSidecarConfig()

	ident := viper.GetString("ident")
	if ident == "" {
		return nil, fmt.Errorf("ident is required")
	}
	var err error
	if config.Ident, err = ParseIdent(ident); err != nil {
		return nil, fmt.Errorf("invalid ident: %w", err)
	}

	config.Address = viper.GetString("address")
	config.Transport = viper.GetString("transport")
	config.Serializer = viper.GetString("serializer")
	config.LocalEndpoint = viper.GetString("local-endpoint")
	config.HTTPEndpoint = viper.GetString("http-endpoint")
	config.ShmPath = viper.GetString("shm-path")
	config.ShmCapacity = viper.GetInt("shm-capacity")

	if config.Nodes, err = common.ParseNodeDecls(viper.GetString("nodes"), util.HashIdent); err != nil {
		return nil, err
	}
	config.CacheSize = viper.GetInt("cache-size")
	config.LiveTime = viper.GetDuration("live-time")

	config.CorralLimit = viper.GetInt("corral-limit")
	config.CorralRate = viper.GetFloat64("corral-rate")
	config.CorralBurst = viper.GetInt("corral-burst")
	config.PendingTimeout = viper.GetDuration("pending-timeout")
	config.IdleTimeout = viper.GetDuration("idle-timeout")

	config.TrackerQueueSize = viper.GetInt("tracker-queue-size")
	config.ExitTimeout = viper.GetDuration("exit-timeout")

	config.RateLimit = viper.GetFloat64("rate-limit")
	config.RateBurst = viper.GetInt("rate-burst")
	config.LogTypes = viper.GetString("log-types")
	config.Workers = viper.GetInt("workers")

	config.LogLevel = viper.GetString("log-level")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupClientFlags adds the flags of a local endpoint client to a command
func SetupClientFlags(cmd *cobra.Command) {
	d := common.DefaultSidecarConfig()
	flags := cmd.PersistentFlags()

	flags.String("local-endpoint", d.LocalEndpoint, WrapString("Local endpoint of the sidecar (socket path or host:port)"))
	flags.String("serializer", d.Serializer, WrapString("Serializer of the message envelope (binary, json, gob)"))
	flags.Duration("timeout", 10*time.Second, WrapString("The timeout of calls and of connecting to the sidecar"))
	flags.Int("retries", 3, WrapString("How many times to retry connecting"))
	flags.Int("queue-size", 64, WrapString("Maximum number of outstanding calls of the client"))
	flags.String("log-level", "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	endpoint := viper.GetString("local-endpoint")
	return &common.ClientConfig{
		Endpoint:   endpoint,
		Transport:  common.EndpointTransport(endpoint),
		Serializer: viper.GetString("serializer"),
		Timeout:    viper.GetDuration("timeout"),
		QueueSize:  viper.GetInt("queue-size"),
	}
}

// GetClientTransport creates the transport matching the configured endpoint
func GetClientTransport(config *common.ClientConfig) (transport.IRPCClientTransport, error) {
	linkConfig := base.LinkConfig{
		WorkersPerLink: 4,
		WriteTimeout:   config.Timeout,
		RetryCount:     viper.GetInt("retries"),
	}
	switch config.Transport {
	case "tcp":
		return tcp.NewTCPClientTransport(linkConfig), nil
	case "unix":
		return unix.NewUnixClientTransport(linkConfig), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", config.Transport)
	}
}

// --------------------------------------------------------------------------
// Exit status
// --------------------------------------------------------------------------

// ExitStatus is returned by commands that want dproxy to exit with a specific status,
// e.g. the status of a supervised command
type ExitStatus int

func (e ExitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}
