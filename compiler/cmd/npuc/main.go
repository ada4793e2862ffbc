// Command npuc compiles or estimates a network described in YAML.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/npuc/compiler"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
	"github.com/sarchlab/npuc/verify"
)

type cliArgs struct {
	network  string
	variant  string
	options  string
	mapping  string
	estimate bool
	current  bool
	out      string
	log      string
	metrics  string
}

func parseArgs() cliArgs {
	var a cliArgs
	flag.StringVar(&a.network, "network", "", "network description (YAML)")
	flag.StringVar(&a.variant, "variant", string(config.DefaultVariant), "hardware variant")
	flag.StringVar(&a.options, "options", "", "compilation options (YAML)")
	flag.StringVar(&a.mapping, "mapping", "", "mapping file for unsupported layer types (YAML)")
	flag.BoolVar(&a.estimate, "estimate", false, "estimate performance instead of compiling")
	flag.BoolVar(&a.current, "current", false, "estimate the current hardware without the cascading correction")
	flag.StringVar(&a.out, "out", "", "output file for the compiled network or the JSON report")
	flag.StringVar(&a.log, "log", "npuc.log", "trace log file")
	flag.StringVar(&a.metrics, "metrics", "", "write compiler metrics in the Prometheus text format")
	flag.Parse()
	return a
}

func main() {
	args := parseArgs()
	if args.network == "" {
		fmt.Fprintln(os.Stderr, "npuc: -network is required")
		flag.Usage()
		atexit.Exit(2)
	}

	logFile, err := os.Create(args.log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to open log file:", err)
		atexit.Exit(1)
	}
	atexit.Register(func() {
		logFile.Sync()
		logFile.Close()
	})

	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: util.LevelTrace,
	})
	slog.SetDefault(slog.New(handler))

	reg := prometheus.NewRegistry()
	metrics := compiler.NewMetrics(reg)

	if err := run(args, metrics); err != nil {
		fmt.Fprintln(os.Stderr, "npuc:", err)
		atexit.Exit(1)
	}

	if args.metrics != "" {
		if err := prometheus.WriteToTextfile(args.metrics, reg); err != nil {
			fmt.Fprintln(os.Stderr, "npuc:", err)
			atexit.Exit(1)
		}
	}

	atexit.Exit(0)
}

func run(args cliArgs, metrics *compiler.Metrics) error {
	caps, err := config.CapabilitiesBuilder{}.
		WithVariant(config.Variant(args.variant)).
		Build()
	if err != nil {
		return err
	}

	opts := config.DefaultCompilationOptions()
	if args.options != "" {
		if opts, err = config.LoadCompilationOptions(args.options); err != nil {
			return err
		}
	}
	if args.estimate && opts.Estimation == nil {
		opts.Estimation = &config.EstimationOptions{}
	}
	if opts.Estimation != nil && args.current {
		opts.Estimation.Current = true
	}

	build := network.BuildOptions{Estimation: opts.EstimationMode()}
	if args.mapping != "" {
		if build.Mapping, err = network.LoadMapping(args.mapping); err != nil {
			return err
		}
	}

	desc, err := network.LoadDescription(args.network)
	if err != nil {
		return err
	}
	net, err := desc.Build(build)
	if err != nil {
		return err
	}

	c, err := compiler.Builder{}.
		WithCapabilities(caps).
		WithOptions(opts).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return err
	}

	if opts.EstimationMode() {
		return runEstimate(c, net, args.out)
	}
	return runCompile(c, caps, net, args.out)
}

func runEstimate(c *compiler.Compiler, net *network.Network, out string) error {
	report, err := c.Estimate(net)
	if err != nil {
		return err
	}

	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := report.WriteJSON(f); err != nil {
			return err
		}
	}

	fmt.Println(estimate.Summary(report.Results))
	return nil
}

func runCompile(
	c *compiler.Compiler,
	caps config.HardwareCapabilities,
	net *network.Network,
	out string,
) error {
	compiled, err := c.Compile(net)
	if err != nil {
		return err
	}

	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := compiled.Serialize(f); err != nil {
			return err
		}
	}

	fmt.Printf("Compiled %d operations into %d sections, %d bytes of command stream\n",
		len(compiled.OperationIDs), len(compiled.Sections), len(compiled.CommandStream()))
	if compiled.PassCycles != nil {
		fmt.Printf("Cascades replay in %d cycles\n", compiled.TotalCycles())
	}

	report := verify.GenerateReport(compiled, verify.ArchInfoFromCapabilities(caps))
	report.WriteReport(os.Stdout)
	if !report.OK() {
		return fmt.Errorf("command stream lint found %d issues", len(report.Issues))
	}
	return nil
}
