package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ValentinKolb/dProxy/cmd/daemon"
	"github.com/ValentinKolb/dProxy/cmd/run"
	"github.com/ValentinKolb/dProxy/cmd/send"
	"github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dproxy",
		Short: "per-host sidecar proxy",
		Long: fmt.Sprintf(`dProxy (v%s)

A per-host sidecar that routes messages between a local application and the
sidecars of other nodes, over shared memory, unix sockets, tcp and http.`, Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dProxy",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dProxy v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(run.RunCmd)
	RootCmd.AddCommand(run.DumpCmd)
	RootCmd.AddCommand(send.SendCmd)
	RootCmd.AddCommand(send.PerfCmd)
	RootCmd.AddCommand(daemon.DaemonCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("Optional config file (yaml, toml or json) with the same keys as the flags"))
	_ = viper.BindPFlag(key, RootCmd.PersistentFlags().Lookup(key))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	err := RootCmd.Execute()
	if err == nil {
		return
	}

	var status util.ExitStatus
	if errors.As(err, &status) {
		os.Exit(int(status))
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
