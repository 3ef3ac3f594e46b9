package util

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	wrapped := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		if len(line) > Wrap {
			t.Errorf("line longer than %d: %q", Wrap, line)
		}
	}
}

func TestGetSidecarConfig(t *testing.T) {
	defer viper.Reset()

	cmd := &cobra.Command{Use: "test"}
	SetupSidecarFlags(cmd)
	if err := cmd.ParseFlags([]string{
		"--ident=0x0A000001",
		"--nodes=2=10.0.0.2:7070,node-3=10.0.0.3:7070",
		"--exit-timeout=2s",
		"--shm-path=/dev/shm/app",
	}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		t.Fatalf("BindPFlags failed: %v", err)
	}

	config, err := GetSidecarConfig()
	if err != nil {
		t.Fatalf("GetSidecarConfig failed: %v", err)
	}
	if config.Ident != 0x0A000001 {
		t.Errorf("unexpected ident %#x", config.Ident)
	}
	if len(config.Nodes) != 2 || config.Nodes[0].Ident != 2 {
		t.Errorf("unexpected nodes %v", config.Nodes)
	}
	if config.ExitTimeout != 2*time.Second {
		t.Errorf("unexpected exit timeout %s", config.ExitTimeout)
	}
	if config.Transport != "tcp" || config.ShmPath != "/dev/shm/app" {
		t.Errorf("unexpected config %s", config.String())
	}
}

func TestGetSidecarConfigRequiresIdent(t *testing.T) {
	defer viper.Reset()

	cmd := &cobra.Command{Use: "test"}
	SetupSidecarFlags(cmd)
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		t.Fatalf("BindPFlags failed: %v", err)
	}
	if _, err := GetSidecarConfig(); err == nil {
		t.Error("expected an error without ident")
	}

	viper.Set("ident", "1")
	viper.Set("log-level", "loud")
	if _, err := GetSidecarConfig(); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}
