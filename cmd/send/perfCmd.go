package send

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/cmd/util"
	"github.com/ValentinKolb/dProxy/rpc/client"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PerfCmd = &cobra.Command{
		Use:   "perf [source] [destination]",
		Short: "Performance testing tool for dproxy sidecars",
		Long: `Measures messages and round trips from source to destination through the local sidecar.
The tool answers requests it receives itself, so using the ident of the local sidecar as destination measures the complete local loop.`,
		Args:    cobra.ExactArgs(2),
		PreRunE: processPerfConfig,
		RunE:    perf,
	}
	perfBodySize   = 64
	perfNumThreads = 10
	perfSkip       = make([]string, 0)
)

func init() {
	util.SetupClientFlags(PerfCmd)

	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. send,call)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "body-size"
	PerfCmd.Flags().Int(key, 64, util.WrapString("Size of the message body in bytes"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, args); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfBodySize = viper.GetInt("body-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func perf(_ *cobra.Command, args []string) error {
	source, err := util.ParseIdent(args[0])
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	destination, err := util.ParseIdent(args[1])
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	c, err := newClient(source)
	if err != nil {
		return err
	}
	defer c.Close()
	go echo(c)

	fmt.Println("Performance testing tool for dproxy sidecars")

	// Print configuration
	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Route: %#08x -> %#08x\n", source, destination)
	fmt.Printf("Threads: %d, Body: %d bytes\n", perfNumThreads, perfBodySize)
	fmt.Println()

	fmt.Println("starting tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)
	body := make([]byte, perfBodySize)

	sendResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("send") {
			return
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := c.Send(common.NewMessage(source, destination, "perf", body)); err != nil {
					log.Printf("(send) - error sending message: %v\n", err)
				}
			}
		})
	})

	results["send"] = sendResult
	printResult("send", sendResult)

	callResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("call") {
			return
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
				_, err := c.Call(ctx, common.NewMessage(source, destination, "perf", body))
				cancel()
				if err != nil {
					log.Printf("(call) - error calling: %v\n", err)
				}
			}
		})
	})

	results["call"] = callResult
	printResult("call", callResult)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, config, source, destination); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// echo answers every request received by c and discards everything else
func echo(c *client.Client) {
	for msg := range c.Messages() {
		if msg.Header.IsReq() {
			if err := c.Send(common.NewResponse(msg, msg.Header.BodyType, msg.Body)); err != nil {
				log.Printf("(echo) - error answering: %v\n", err)
			}
		}
	}
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig, source, destination uint32) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoint", "Transport", "Serializer", "Timeout",
		"Source", "Destination", "Threads", "BodySize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Endpoint,
			config.Transport,
			config.Serializer,
			config.Timeout.String(),
			fmt.Sprintf("%#08x", source),
			fmt.Sprintf("%#08x", destination),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfBodySize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
