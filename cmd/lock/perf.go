package lock

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/client"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dGrid lock servers",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix  = "__perf"
	perfNumThreads = 10
	perfKeySpread  = 100
	perfSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	perfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. lock-unlock,is-locked)"))
	key = "threads"
	perfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	perfCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// perfTest is one benchmark. op runs one iteration for the given caller on key.
type perfTest struct {
	name string
	op   func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, c lockmgr.Caller) error
}

var perfTests = []perfTest{
	{"lock-unlock", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, c lockmgr.Caller) error {
		ok, err := rpcLockMgr.Lock(ctx, ns, key, c, time.Minute)
		if err != nil || !ok {
			return err
		}
		return rpcLockMgr.Unlock(ctx, ns, key, c)
	}},
	{"lock-contended", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, c lockmgr.Caller) error {
		// all threads fight over a single key
		ok, err := rpcLockMgr.Lock(ctx, ns, "contended", c, time.Minute)
		if err != nil || !ok {
			return err
		}
		return rpcLockMgr.Unlock(ctx, ns, "contended", c)
	}},
	{"reentrant", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, c lockmgr.Caller) error {
		for i := 0; i < 3; i++ {
			if _, err := rpcLockMgr.Lock(ctx, ns, key, c, time.Minute); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			if err := rpcLockMgr.Unlock(ctx, ns, key, c); err != nil {
				return err
			}
		}
		return nil
	}},
	{"is-locked", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, _ lockmgr.Caller) error {
		_, err := rpcLockMgr.IsLocked(ctx, ns, key)
		return err
	}},
	{"remaining-ttl", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, _ lockmgr.Caller) error {
		_, err := rpcLockMgr.GetRemainingTTL(ctx, ns, key)
		return err
	}},
	{"signal-empty", func(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, c lockmgr.Caller) error {
		ok, err := rpcLockMgr.Lock(ctx, ns, key, c, time.Minute)
		if err != nil || !ok {
			return err
		}
		if _, err := rpcLockMgr.Signal(ctx, ns, key, "perf", c); err != nil {
			return err
		}
		return rpcLockMgr.Unlock(ctx, ns, key, c)
	}},
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dGrid lock servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := cmd.Context()
	ns := lockmgr.ObjectNamespace{ServiceName: viper.GetString("service"), ObjectName: perfKeyPrefix}
	results := make(map[string]testing.BenchmarkResult)

	for _, test := range perfTests {
		result := testing.Benchmark(func(b *testing.B) {
			if slices.Contains(perfSkip, test.name) {
				return
			}
			getKey := getKeys(test.name)
			owner := client.NewCaller().Owner

			b.SetParallelism(perfNumThreads)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				// every goroutine is its own lock holder
				c := client.NewThread(owner)
				counter := 0
				for pb.Next() {
					if err := test.op(ctx, ns, getKey(counter), c); err != nil {
						log.Printf("(%s) - error: %v\n", test.name, err)
					}
					counter++
				}
			})
		})

		results[test.name] = result
		printResult(test.name, result)
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// getKeys returns a function mapping an iteration onto one of the test keys
func getKeys(prefix string) func(int) lockmgr.Key {
	keys := make([]lockmgr.Key, perfKeySpread)
	for i := range keys {
		keys[i] = lockmgr.Key(fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i))
	}
	return func(i int) lockmgr.Key {
		return keys[i%perfKeySpread]
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"ShardID", "Serializer", "Transport",
		"Threads", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range perfTests {
		result, ok := results[test.name]
		if !ok {
			continue
		}

		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test.name, err)
		}
	}

	return nil
}
