package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flags of the daemon commands that are not passed on to the background sidecar
var daemonFlags = map[string]bool{
	"pid-file": true,
	"log-file": true,
	"timeout":  true,
}

var (
	// DaemonCommands represents the daemon command group
	DaemonCommands = &cobra.Command{
		Use:   "daemon",
		Short: "Manage a sidecar running in the background",
	}

	startCmd = &cobra.Command{
		Use:     "start [flags] [-- command args...]",
		Short:   "Start the sidecar in the background",
		Long:    `Start 'dproxy run' with the given flags as a detached background process. Its output is written to the log file, its state to the pid file.`,
		PreRunE: bindFlags,
		RunE:    start,
	}

	stopCmd = &cobra.Command{
		Use:     "stop",
		Short:   "Stop the background sidecar gracefully",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE:    stop,
	}

	statusCmd = &cobra.Command{
		Use:     "status",
		Short:   "Show whether the background sidecar is running",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE:    status,
	}
)

func init() {
	key := "pid-file"
	DaemonCommands.PersistentFlags().String(key, filepath.Join(os.TempDir(), "dproxy.pid"), util.WrapString("File holding the state of the background sidecar"))
	key = "timeout"
	DaemonCommands.PersistentFlags().Duration(key, 15*time.Second, util.WrapString("How long to wait for the sidecar to start or stop"))
	key = "log-file"
	startCmd.Flags().String(key, "", util.WrapString("File receiving the output of the sidecar (default: dproxy-<instance>.log in the temp dir)"))

	util.SetupSidecarFlags(startCmd)

	DaemonCommands.AddCommand(startCmd)
	DaemonCommands.AddCommand(stopCmd)
	DaemonCommands.AddCommand(statusCmd)
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// state is written to the pid file by start
type state struct {
	PID      int       `json:"pid"`
	Instance string    `json:"instance"`
	Started  time.Time `json:"started"`
	LogFile  string    `json:"log_file"`
	Args     []string  `json:"args"`
}

func readState(path string) (*state, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no sidecar started (missing %s)", path)
		}
		return nil, err
	}
	s := &state{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return s, nil
}

func writeState(path string, s *state) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// alive reports whether a process with pid exists
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// start re-executes dproxy run detached from the terminal
func start(cmd *cobra.Command, args []string) error {
	pidFile := viper.GetString("pid-file")
	if s, err := readState(pidFile); err == nil && alive(s.PID) {
		return fmt.Errorf("sidecar %s is already running (pid %d)", s.Instance, s.PID)
	}

	if _, err := util.GetSidecarConfig(); err != nil {
		return err
	}

	instance := uuid.NewString()
	logFile := viper.GetString("log-file")
	if logFile == "" {
		logFile = filepath.Join(os.TempDir(), fmt.Sprintf("dproxy-%s.log", instance[:8]))
	}
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer out.Close()

	executable, err := os.Executable()
	if err != nil {
		return err
	}

	runArgs := []string{"run"}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if daemonFlags[f.Name] {
			return
		}
		runArgs = append(runArgs, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})
	if len(args) > 0 {
		runArgs = append(append(runArgs, "--"), args...)
	}

	child := exec.Command(executable, runArgs...)
	child.Stdout = out
	child.Stderr = out
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start sidecar: %w", err)
	}

	s := &state{
		PID:      child.Process.Pid,
		Instance: instance,
		Started:  time.Now(),
		LogFile:  logFile,
		Args:     runArgs,
	}
	if err := writeState(pidFile, s); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	// a sidecar failing during startup exits right away
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()
	select {
	case err := <-exited:
		_ = os.Remove(pidFile)
		return fmt.Errorf("sidecar exited during startup (%v), see %s", err, logFile)
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("started sidecar %s (pid %d), logs in %s\n", instance, s.PID, logFile)
	return child.Process.Release()
}

// stop sends SIGTERM and waits for the graceful exit, SIGKILL after the timeout
func stop(_ *cobra.Command, _ []string) error {
	pidFile := viper.GetString("pid-file")
	s, err := readState(pidFile)
	if err != nil {
		return err
	}
	if !alive(s.PID) {
		_ = os.Remove(pidFile)
		fmt.Printf("sidecar %s is not running\n", s.Instance)
		return nil
	}

	if err := syscall.Kill(s.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", s.PID, err)
	}

	timeout := viper.GetDuration("timeout")
	deadline := time.Now().Add(timeout)
	for alive(s.PID) {
		if time.Now().After(deadline) {
			fmt.Printf("sidecar %s did not stop within %s, killing it\n", s.Instance, timeout)
			_ = syscall.Kill(s.PID, syscall.SIGKILL)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = os.Remove(pidFile)
	fmt.Printf("stopped sidecar %s\n", s.Instance)
	return nil
}

// status prints the state of the background sidecar, it fails if none is running
func status(_ *cobra.Command, _ []string) error {
	s, err := readState(viper.GetString("pid-file"))
	if err != nil {
		return err
	}
	if !alive(s.PID) {
		fmt.Printf("sidecar %s is not running (stale pid file)\n", s.Instance)
		return util.ExitStatus(1)
	}

	fmt.Printf("sidecar %s is running\n", s.Instance)
	fmt.Printf("  %-10s: %d\n", "PID", s.PID)
	fmt.Printf("  %-10s: %s (%s)\n", "Started", s.Started.Format(time.RFC3339), time.Since(s.Started).Round(time.Second))
	fmt.Printf("  %-10s: %s\n", "Log File", s.LogFile)
	return nil
}
