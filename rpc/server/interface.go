package server

import (
	"github.com/ValentinKolb/dProxy/lib/service"
	"github.com/ValentinKolb/dProxy/rpc/common"
)

// IPlugin is the interface for all pipeline stages of a sidecar.
// Plugins are initialized once with the node context, in pipeline order, before the
// first message is processed. A plugin consumes a message by returning nil from Call.
type IPlugin interface {
	// Name identifies the plugin in logs and metrics
	Name() string
	// Init prepares the plugin for the given node
	Init(node *common.NodeContext) error

	service.IService[common.Message]
}
