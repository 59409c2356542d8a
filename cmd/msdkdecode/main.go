// msdkdecode decodes the H.264 stream of an MP4 file through a codec
// engine, optionally post-processes and re-encodes it, and prints the
// statistics every second.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/msdk/config"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] <input.mp4>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	configPath := pflag.String("config", "", "path to the YAML pipeline config")
	outputPath := pflag.String("output", "", "file to write the re-encoded byte-stream to")
	printConfig := pflag.Bool("print-config", false, "print the effective config and exit")
	flags := config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			l.Fatal(err)
		}
	}
	if err := flags.Apply(&cfg); err != nil {
		l.Fatal(err)
	}
	if *printConfig {
		b, err := cfg.Bytes()
		if err != nil {
			l.Fatal(err)
		}
		os.Stdout.Write(b)
		return
	}

	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	src, err := openMP4(pflag.Arg(0))
	if err != nil {
		l.Fatal(err)
	}
	defer src.Close()

	var output io.Writer
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			l.Fatal(err)
		}
		defer f.Close()
		output = f
	}

	engine, err := newEngine(ctx, cfg.Engine)
	if err != nil {
		l.Fatal(err)
	}
	disp, err := newDisplay(ctx, cfg.Device)
	if err != nil {
		l.Fatal(err)
	}
	agg := task.NewAggregator(ctx, engine, disp, cfg.Aggregator)
	defer agg.Close(ctx)

	p, err := newPipeline(ctx, agg, cfg, src, output)
	if err != nil {
		l.Fatal(err)
	}
	defer p.Close(ctx)

	errCh := make(chan error, 1)
	observability.Go(ctx, func(ctx context.Context) {
		defer cancelFn()
		errCh <- p.Run(ctx, src)
	})

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := <-errCh; err != nil {
				l.Error(err)
			}
			fmt.Printf("done: %s\n", p.Stats())
			return
		case <-t.C:
			fmt.Printf("%s\n", p.Stats())
		}
	}
}
