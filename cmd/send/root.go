package send

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/ValentinKolb/dProxy/rpc/client"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/transport/http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	SendCmd = &cobra.Command{
		Use:   "send [source] [destination] [body]",
		Short: "Send one message through the local sidecar",
		Long: `Send one message from source to destination through the sidecar's local endpoint and exit.
With --wait the message is sent as a request and the body of the response is printed.
Idents are decimal, 0x-prefixed hexadecimal or names that are hashed.`,
		Args:    cobra.ExactArgs(3),
		PreRunE: bindFlags,
		RunE:    send,
	}
)

func init() {
	util.SetupClientFlags(SendCmd)

	SendCmd.Flags().Duration("wait", 0, util.WrapString("Send a request and wait this long for the response (0 sends without waiting)"))
	SendCmd.Flags().String("type", "", util.WrapString("Body type of the message"))
	SendCmd.Flags().String("mask", "", util.WrapString("Group mask, the message reaches every node matching destination under the mask"))
	SendCmd.Flags().Bool("base64", false, util.WrapString("The body (and the printed response) is base64 encoded"))
	SendCmd.Flags().Bool("hex", false, util.WrapString("The body (and the printed response) is hex encoded"))
	SendCmd.Flags().String("http", "", util.WrapString("Send through the HTTP ingress at this address instead of the local endpoint (the sidecar's node becomes the source, --wait is not supported)"))
	SendCmd.MarkFlagsMutuallyExclusive("base64", "hex")
	SendCmd.MarkFlagsMutuallyExclusive("http", "wait")
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// send sends the message described by args and the flags
func send(_ *cobra.Command, args []string) error {
	body, err := decodeBody(args[2])
	if err != nil {
		return err
	}
	bodyType := viper.GetString("type")

	if endpoint := viper.GetString("http"); endpoint != "" {
		c, err := http.NewClient(endpoint, viper.GetDuration("timeout"), viper.GetInt("retries"))
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Send(context.Background(), args[1], bodyType, body)
	}

	source, err := util.ParseIdent(args[0])
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	destination, err := util.ParseIdent(args[1])
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	msg := common.NewMessage(source, destination, bodyType, body)
	if mask := viper.GetString("mask"); mask != "" {
		m, err := strconv.ParseUint(mask, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid mask %s: %w", mask, err)
		}
		msg.Header.Mask = uint32(m)
	}

	c, err := newClient(source)
	if err != nil {
		return err
	}
	defer c.Close()

	wait := viper.GetDuration("wait")
	if wait <= 0 {
		return c.Send(msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	rsp, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, encodeBody(rsp.Body))
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// newClient connects to the local endpoint of the sidecar
func newClient(source uint32) (*client.Client, error) {
	config := util.GetClientConfig()
	t, err := util.GetClientTransport(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	return client.NewClient(ctx, *config, source, t)
}

func decodeBody(s string) ([]byte, error) {
	switch {
	case viper.GetBool("base64"):
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 body: %w", err)
		}
		return b, nil
	case viper.GetBool("hex"):
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex body: %w", err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

func encodeBody(b []byte) string {
	switch {
	case viper.GetBool("base64"):
		return base64.StdEncoding.EncodeToString(b)
	case viper.GetBool("hex"):
		return hex.EncodeToString(b)
	default:
		return string(b)
	}
}
