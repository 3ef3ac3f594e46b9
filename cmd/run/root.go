package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/ValentinKolb/dProxy/rpc/server"
	"github.com/spf13/cobra"
)

var (
	sidecarConfig = &common.SidecarConfig{}

	RunCmd = &cobra.Command{
		Use:   "run [flags] [-- command args...]",
		Short: "Start the sidecar, optionally supervising a command",
		Long: `Start the sidecar with the specified configuration. The configuration can be set via command line flags, environment variables or a config file. The format of the environment variables is DPROXY_<flag> (e.g. DPROXY_EXIT_TIMEOUT=10s).

If a command is given after --, it is started once the sidecar is ready. The command finds the sidecar through the environment variables DPROXY_IDENT, DPROXY_LOCAL_ENDPOINT and (with shared memory enabled) DPROXY_SHM_IN and DPROXY_SHM_OUT. When the command exits, the sidecar drains and dproxy exits with the status of the command.`,
		PreRunE: processConfig,
		RunE:    run,
	}

	DumpCmd = &cobra.Command{
		Use:     "dump",
		Short:   "Print the effective sidecar configuration",
		Long:    `Print the configuration resulting from flags, environment variables and the config file, without starting the sidecar.`,
		PreRunE: processConfig,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Print(sidecarConfig.String())
			return nil
		},
	}
)

func init() {
	cmdUtil.SetupSidecarFlags(RunCmd)
	cmdUtil.SetupSidecarFlags(DumpCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, args []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	config, err := cmdUtil.GetSidecarConfig()
	if err != nil {
		return err
	}
	config.Command = args
	*sidecarConfig = *config

	return common.InitLoggers(sidecarConfig.LogLevel)
}

// run starts the sidecar and, if configured, the supervised command
func run(_ *cobra.Command, _ []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s, err := server.NewSidecar(*sidecarConfig)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start sidecar: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if len(sidecarConfig.Command) == 0 {
		return <-runErr
	}

	child, err := startCommand(sidecarConfig.Command, commandEnv(s))
	if err != nil {
		s.Stop()
		<-runErr
		return err
	}
	server.Logger.Infof("Started %q (pid %d)", sidecarConfig.Command[0], child.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	select {
	case err := <-exited:
		// the command finished: drain and leave with its status
		server.Logger.Infof("Command exited: %v", errOrSuccess(err))
		s.Stop()
		if err := <-runErr; err != nil {
			server.Logger.Errorf("Sidecar stopped with error: %v", err)
		}
		return exitStatus(err)

	case err := <-runErr:
		// the sidecar stopped (signal or failure): stop the command as well
		stopCommand(child, exited, sidecarConfig.ExitTimeout)
		return err
	}
}

// --------------------------------------------------------------------------
// Supervised command
// --------------------------------------------------------------------------

// commandEnv returns the environment of the supervised command
func commandEnv(s *server.Sidecar) []string {
	env := append(os.Environ(),
		fmt.Sprintf("%s=%d", cmdUtil.EnvIdent, s.Node().Ident),
		fmt.Sprintf("%s=%s", cmdUtil.EnvLocalEndpoint, s.LocalAddr()),
	)
	if sidecarConfig.ShmPath != "" {
		in, out := server.RingPaths(sidecarConfig.ShmPath)
		env = append(env,
			fmt.Sprintf("%s=%s", cmdUtil.EnvShmIn, in),
			fmt.Sprintf("%s=%s", cmdUtil.EnvShmOut, out),
		)
	}
	return env
}

func startCommand(args []string, env []string) (*exec.Cmd, error) {
	child := exec.Command(args[0], args[1:]...)
	child.Env = env
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	return child, nil
}

// stopCommand sends SIGTERM and kills the command if it did not exit within timeout
func stopCommand(child *exec.Cmd, exited <-chan error, timeout time.Duration) {
	if err := child.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-exited:
	case <-time.After(timeout):
		server.Logger.Warningf("Command did not exit within %s, killing it", timeout)
		_ = child.Process.Kill()
		<-exited
	}
}

// exitStatus converts the result of the command into the error returned by dproxy
func exitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
		return cmdUtil.ExitStatus(code)
	}
	return err
}

func errOrSuccess(err error) string {
	if err == nil {
		return "success"
	}
	return err.Error()
}
