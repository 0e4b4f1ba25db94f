// Command fiops-sim runs a configurable multi-task workload against a
// scheduled device and reports how the fiops elevator shared it out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/go-iosched"
	"github.com/ehrlich-b/go-iosched/backend"
	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// report is the JSON document printed with -json
type report struct {
	Device  iosched.DeviceInfo      `json:"device"`
	Elapsed string                  `json:"elapsed"`
	Groups  []groupResult           `json:"groups"`
	Metrics iosched.MetricsSnapshot `json:"metrics"`
}

var reportJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

func main() {
	var (
		sizeStr     = flag.String("size", "64M", "Size of the device (e.g., 64M, 1G)")
		backendKind = flag.String("backend", "mem", "Backend: mem or file")
		filePath    = flag.String("file", "", "Backing file for -backend=file")
		noURing     = flag.Bool("no-uring", false, "Use pread/pwrite instead of io_uring for -backend=file")
		latency     = flag.Duration("latency", 200*time.Microsecond, "Service time added to every request")
		workload    = flag.String("workload", "", "YAML workload file (default: one random reader, one sequential writer)")
		duration    = flag.Duration("duration", 0, "Override the workload duration")
		depth       = flag.Int("depth", iosched.DefaultQueueDepth, "Requests in flight against the backend")
		readScale   = flag.Uint("read-scale", 0, "fiops read_scale (0 keeps the default)")
		writeScale  = flag.Uint("write-scale", 0, "fiops write_scale (0 keeps the default)")
		maxContexts = flag.Uint("max-contexts", 0, "Cap scheduler contexts (0 for no cap)")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9100)")
		jsonOut     = flag.Bool("json", false, "Print the report as JSON")
		logFormat   = flag.String("log-format", "text", "Log format: text or json")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Format = *logFormat
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	size, err := parseSize(*sizeStr)
	if err != nil {
		logger.Error("invalid size", "size", *sizeStr, "error", err)
		os.Exit(2)
	}

	w := defaultWorkload()
	if *workload != "" {
		if w, err = loadWorkload(*workload); err != nil {
			logger.Error("failed to load workload", "error", err)
			os.Exit(2)
		}
	}
	if *duration > 0 {
		w.Duration = *duration
	}
	if err := w.validate(size); err != nil {
		logger.Error("invalid workload", "error", err)
		os.Exit(2)
	}

	var be iosched.Backend
	switch *backendKind {
	case "mem":
		be = backend.NewMemory(size)
	case "file":
		if *filePath == "" {
			logger.Error("-backend=file needs -file")
			os.Exit(2)
		}
		f, err := backend.OpenFile(*filePath, backend.FileOptions{Size: size, NoURing: *noURing})
		if err != nil {
			logger.Error("failed to open backing file", "error", err)
			os.Exit(1)
		}
		logger.Info("file backend ready", "path", *filePath, "io_uring", f.URing())
		be = f
	default:
		logger.Error("unknown backend", "backend", *backendKind)
		os.Exit(2)
	}
	defer be.Close()
	if *latency > 0 {
		be = &delayBackend{Backend: be, delay: *latency}
	}

	params := iosched.DefaultParams(be)
	params.QueueDepth = *depth
	params.ReadScale = uint32(*readScale)
	params.WriteScale = uint32(*writeScale)
	params.MaxContexts = uint32(*maxContexts)

	metrics := iosched.NewMetrics()
	observers := iosched.MultiObserver{iosched.NewMetricsObserver(metrics)}

	var srv *http.Server
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		po, err := iosched.NewPrometheusObserver(reg, nil)
		if err != nil {
			logger.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		observers = append(observers, po)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := iosched.Open(ctx, params, &iosched.Options{Logger: logger, Observer: observers})
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}

	logger.InfoContext(ctx, "running workload", "groups", len(w.Groups), "duration", w.Duration,
		"size", formatSize(size))
	results, elapsed, runErr := runWorkload(ctx, dev, w, logger)
	info := dev.Info()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := iosched.Close(closeCtx, dev); err != nil {
		logger.Error("error closing device", "error", err)
	}
	if srv != nil {
		srv.Shutdown(closeCtx)
	}
	if runErr != nil {
		logger.ErrorContext(ctx, "workload failed", "error", runErr)
	}

	r := report{
		Device:  info,
		Elapsed: elapsed.String(),
		Groups:  results,
		Metrics: metrics.Snapshot(),
	}
	if *jsonOut {
		out, err := reportJSON.MarshalIndent(r, "", "  ")
		if err != nil {
			logger.Error("failed to encode report", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		printReport(r)
	}

	if runErr != nil {
		os.Exit(1)
	}
}

func printReport(r report) {
	fmt.Printf("Elevator: %s  read_scale=%d write_scale=%d  depth=%d  elapsed=%s\n\n",
		r.Device.Elevator, schedulerField(r, true), schedulerField(r, false), r.Device.QueueDepth, r.Elapsed)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tOP\tPATTERN\tTASKS\tBS\tOPS\tIOPS\tSHARE\tQFAIL")
	for _, g := range r.Groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%.0f\t%.1f%%\t%d\n",
			g.Name, g.Op, g.Pattern, g.Tasks, formatSize(g.BlockSize), g.Ops, g.IOPS, g.Share*100, g.QueueFails)
	}
	tw.Flush()

	m := r.Metrics
	fmt.Printf("\nrequests: %d inserted, %d dispatched (%d forced), %d merges, %d queue fails\n",
		m.Inserts, m.Dispatches, m.ForcedDispatches, m.Merges, m.QueueFails)
	fmt.Printf("latency: avg %s  p50 %s  p99 %s\n",
		time.Duration(m.AvgLatencyNs), time.Duration(m.LatencyP50Ns), time.Duration(m.LatencyP99Ns))
}

func schedulerField(r report, read bool) uint32 {
	if r.Device.Scheduler == nil {
		return 0
	}
	if read {
		return r.Device.Scheduler.ReadScale
	}
	return r.Device.Scheduler.WriteScale
}
