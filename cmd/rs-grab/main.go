package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"golang.org/x/time/rate"

	"rs_grab/internal/config"
	"rs_grab/internal/driver"
	"rs_grab/internal/negotiate"
	"rs_grab/internal/obs"
	"rs_grab/internal/output"
	"rs_grab/internal/pool"
	"rs_grab/internal/sock"
	"rs_grab/internal/targets"
	"rs_grab/internal/ui"
	"rs_grab/internal/version"
)

// options mirrors the command line. Only flags the user set override the
// config file.
type options struct {
	input      string
	port       int
	maxConc    int
	ttlSecs    int
	rate       float64
	skip       int
	outputFile string
	appendOut  bool
	truncate   bool
	negotiator string
	rules      string
	format     string
	redisAddr  string
	webhookURL string
	metrics    string
	quiet      bool
	noTUI      bool
	verbose    bool
	debug      bool
}

func main() {
	// ── CLI Flags ──────────────────────────────────────────────────────
	var o options
	flag.StringVar(&o.input, "i", "-", "Target file, one address or CIDR per line (- for stdin)")
	flag.IntVar(&o.port, "p", 0, "Destination TCP port")
	flag.IntVar(&o.maxConc, "m", 10, "Maximum concurrent connections")
	flag.IntVar(&o.ttlSecs, "l", 60, "Connection lifetime in seconds")
	flag.Float64Var(&o.rate, "r", 1, "New connections per second")
	flag.IntVar(&o.skip, "s", 0, "Skip the first N input lines (resume offset)")
	flag.StringVar(&o.outputFile, "f", "-", "Output file (- for stdout)")
	flag.BoolVar(&o.appendOut, "a", true, "Append to the output file")
	flag.BoolVar(&o.truncate, "t", false, "Truncate the output file")
	flag.StringVar(&o.negotiator, "n", "none", "Negotiator: none, telnet, rules")
	flag.StringVar(&o.rules, "rules", "", "Rule file for the rules negotiator")
	flag.StringVar(&o.format, "format", "text", "Output format: text, json")
	flag.StringVar(&o.redisAddr, "redis", "", "Redis address for the result list sink")
	flag.StringVar(&o.webhookURL, "webhook", "", "Webhook URL (HTTP POST batched JSONL)")
	flag.StringVar(&o.metrics, "metrics", "", "Serve /metrics and /healthz on this address")
	configFile := flag.String("c", "", "Config file (YAML)")
	flag.BoolVar(&o.quiet, "q", false, "Silent mode (no terminal output)")
	flag.BoolVar(&o.noTUI, "no-tui", false, "Disable TUI (text mode)")
	flag.BoolVar(&o.verbose, "v", false, "Print each result in text mode")
	flag.BoolVar(&o.debug, "debug", false, "Debug logging")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("rs-grab version %s\n", version.Version)
		return
	}

	// ── Config file, then explicitly set flags ─────────────────────────
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fatal("failed to load config", err)
		}
	}
	applyFlags(cfg, setFlags, &o)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "rs-grab: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	if !obs.SetLevel(cfg.Log.Level) {
		obs.Warn("config.log_level", obs.Fields{"level": cfg.Log.Level})
	}
	obs.EnableDebug(o.debug)

	// ── UI mode ────────────────────────────────────────────────────────
	stdoutOutput := cfg.Output.File == "" || cfg.Output.File == "-"
	var uiMode ui.Mode
	switch {
	case cfg.Output.Quiet:
		uiMode = ui.ModeSilent
	case cfg.Output.NoTUI || stdoutOutput || !isatty.IsTerminal(os.Stdout.Fd()):
		// bubbletea renders to stdout; results on stdout force text mode
		uiMode = ui.ModeText
	default:
		uiMode = ui.ModeTUI
	}
	if uiMode == ui.ModeTUI && !o.debug {
		obs.SetOutput(io.Discard)
	}

	// ── Input ──────────────────────────────────────────────────────────
	in := io.Reader(os.Stdin)
	inputName := "stdin"
	if cfg.Scan.Input != "" && cfg.Scan.Input != "-" {
		f, err := os.Open(cfg.Scan.Input)
		if err != nil {
			fatal("failed to open input", err)
		}
		defer f.Close()
		in = f
		inputName = cfg.Scan.Input
	}
	src := targets.NewLineSource(in, cfg.Scan.Skip)

	// ── Negotiator ─────────────────────────────────────────────────────
	kind, _ := negotiate.ParseKind(cfg.Scan.Negotiator)
	var rules *negotiate.RuleSet
	if kind == negotiate.KindRules {
		var err error
		rules, err = negotiate.LoadRuleSet(cfg.Scan.Rules)
		if err != nil {
			fatal("failed to load negotiation rules", err)
		}
	}
	provider, err := negotiate.NewProvider(kind, rules)
	if err != nil {
		fatal("negotiator", err)
	}

	// ── Output sink ────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		fatal("failed to open output", err)
	}

	// ── Events channel ─────────────────────────────────────────────────
	events := make(chan ui.GrabEvent, 10000)
	emitEvent := func(ev ui.GrabEvent) {
		select {
		case events <- ev:
		default: // drop if full
		}
	}

	port := cfg.Scan.Port
	sinkLog := rate.Sometimes{First: 3, Interval: 10 * time.Second}
	onResult := func(peer string, text []byte) {
		res := output.NewResult(peer, port, text, time.Now())
		if err := sink.Write(res); err != nil {
			sinkLog.Do(func() { obs.Warn("output.write", obs.Fields{"err": err.Error()}) })
		}
		if uiMode != ui.ModeSilent {
			emitEvent(ui.GrabEvent{Type: ui.EvtBanner, IP: peer, Port: port, Banner: string(text)})
		}
	}

	// ── Components ─────────────────────────────────────────────────────
	p, err := pool.New(pool.Config{
		Ops:        sock.Unix{},
		Provider:   provider,
		OnResult:   onResult,
		MaxCapture: cfg.Scan.MaxCapture,
	})
	if err != nil {
		fatal("failed to create connection pool", err)
	}

	d := driver.New(driver.Config{
		MaxConcurrency:      cfg.Scan.MaxConcurrency,
		TTL:                 cfg.Scan.TTL.Duration,
		Rate:                cfg.Scan.Rate,
		RecalibrateInterval: cfg.Scan.RecalibrateInterval.Duration,
		IdleTimeout:         cfg.Scan.IdleTimeout.Duration,
		SweepInterval:       cfg.Scan.SweepInterval.Duration,
	}, p, sock.NewDialer(port), src, nil)

	start := time.Now()
	collectStats := func() ui.GrabStats {
		ds, ps := d.Stats(), p.Stats()
		elapsed := time.Since(start)
		r := 0.0
		if s := elapsed.Seconds(); s > 0 {
			r = float64(ds.Admitted) / s
		}
		return ui.GrabStats{
			LinesRead:  ds.Targets,
			Admitted:   ds.Admitted,
			DialErrors: ds.DialErrors,
			Connected:  ps.Connected,
			Results:    ps.Results,
			Expired:    ps.Expired,
			Active:     ps.Active,
			Elapsed:    elapsed,
			Rate:       r,
			Target:     cfg.Scan.Rate,
		}
	}

	if cfg.Output.Metrics != "" {
		srv := startMetricsServer(cfg.Output.Metrics, collectStats)
		defer srv.Close()
	}

	// ── Signals ────────────────────────────────────────────────────────
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCONT)
	go func() {
		stopping := false
		for sig := range sigs {
			switch {
			case sig == syscall.SIGCONT:
				d.Recalibrate()
				emitEvent(ui.GrabEvent{Type: ui.EvtInfo, Msg: "Resumed; rate window recalibrated."})
			case stopping:
				fmt.Fprintln(os.Stderr, "\nForced exit.")
				os.Exit(130)
			default:
				stopping = true
				emitEvent(ui.GrabEvent{Type: ui.EvtInfo, Msg: "\nStopping; draining open connections..."})
				cancel()
			}
		}
	}()

	obs.Info("grab.start", obs.Fields{
		"input": inputName, "port": port, "negotiator": kind.String(),
		"skip": cfg.Scan.Skip, "version": version.Version,
	})

	// ── Start UI ───────────────────────────────────────────────────────
	var program *tea.Program
	uiDone := make(chan struct{})

	switch uiMode {
	case ui.ModeTUI:
		model := ui.NewModel(inputName, port, kind.String())
		model.Stop = cancel
		model.Recalibrate = d.Recalibrate
		program = tea.NewProgram(model, tea.WithAltScreen())

		go func() {
			for ev := range events {
				program.Send(ev)
			}
		}()
		go func() {
			statsTicker := time.NewTicker(250 * time.Millisecond)
			defer statsTicker.Stop()
			for {
				select {
				case <-uiDone:
					return
				case <-statsTicker.C:
					program.Send(collectStats())
				}
			}
		}()

	case ui.ModeText:
		textPrinter := &ui.TextPrinter{Verbose: o.verbose, Out: os.Stderr}
		go func() {
			for ev := range events {
				textPrinter.PrintEvent(ev)
			}
		}()
		go func() {
			statsTicker := time.NewTicker(time.Second)
			defer statsTicker.Stop()
			for {
				select {
				case <-uiDone:
					return
				case <-statsTicker.C:
					textPrinter.PrintStats(collectStats())
				}
			}
		}()

	case ui.ModeSilent:
		go func() {
			for range events {
			}
		}()
	}

	// ── Run (TUI blocks, text/silent run the driver here) ──────────────
	var summary driver.Summary
	var runErr error
	if uiMode == ui.ModeTUI {
		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			summary, runErr = d.Run(ctx)
			program.Send(ui.GrabEvent{Type: ui.EvtDone})
		}()
		if _, err := program.Run(); err != nil {
			obs.Error("ui.run", obs.Fields{"err": err.Error()})
			cancel()
		}
		select {
		case <-runDone:
		default:
			fmt.Fprintln(os.Stderr, "Draining open connections...")
			<-runDone
		}
	} else {
		summary, runErr = d.Run(ctx)
	}

	// ── Cleanup ────────────────────────────────────────────────────────
	close(uiDone)
	signal.Stop(sigs)
	if err := p.Close(); err != nil {
		obs.Warn("pool.close", obs.Fields{"err": err.Error()})
	}
	ps := p.Stats()
	if err := sink.Summarize(runSummary(summary, ps, src.Offset())); err != nil {
		obs.Warn("output.summary", obs.Fields{"err": err.Error()})
	}
	if err := sink.Close(); err != nil {
		obs.Warn("output.close", obs.Fields{"err": err.Error()})
	}
	if err := src.Err(); err != nil {
		obs.Error("input.read", obs.Fields{"err": err.Error()})
	}

	printSummary(os.Stderr, summary, ps, src.Offset())
	if runErr != nil {
		fatal("connection pool failed", runErr)
	}
}

// applyFlags overrides config values with flags that were explicitly set on
// the CLI.
func applyFlags(cfg *config.Config, set map[string]bool, o *options) {
	s := &cfg.Scan
	out := &cfg.Output

	if set["i"] {
		s.Input = o.input
	}
	if set["p"] {
		s.Port = o.port
	}
	if set["m"] {
		s.MaxConcurrency = o.maxConc
	}
	if set["l"] {
		s.TTL = config.Duration{Duration: time.Duration(o.ttlSecs) * time.Second}
	}
	if set["r"] {
		s.Rate = o.rate
	}
	if set["s"] {
		s.Skip = o.skip
	}
	if set["n"] {
		s.Negotiator = o.negotiator
	}
	if set["rules"] {
		s.Rules = o.rules
		if !set["n"] {
			s.Negotiator = "rules"
		}
	}

	if set["f"] {
		out.File = o.outputFile
	}
	if set["t"] && o.truncate {
		v := false
		out.Append = &v
	} else if set["a"] {
		v := o.appendOut
		out.Append = &v
	}
	if set["format"] {
		out.Format = o.format
	}
	if set["redis"] {
		if out.Redis == nil {
			out.Redis = &config.RedisOutput{}
		}
		out.Redis.Addr = o.redisAddr
	}
	if set["webhook"] {
		if out.Webhook == nil {
			out.Webhook = &config.WebhookOutput{}
		}
		out.Webhook.URL = o.webhookURL
	}
	if set["metrics"] {
		out.Metrics = o.metrics
	}
	if set["q"] {
		out.Quiet = o.quiet
	}
	if set["no-tui"] {
		out.NoTUI = o.noTUI
	}
	if set["debug"] && o.debug {
		cfg.Log.Level = "debug"
	}
}

// buildSink fans results out to the configured file or stdout, plus the
// optional Redis and webhook sinks.
func buildSink(ctx context.Context, cfg *config.Config) (*output.Sink, error) {
	format, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	sink := output.NewSink()

	if cfg.Output.File == "" || cfg.Output.File == "-" {
		sink.Add(output.NewStdoutWriter(4096, format))
	} else {
		w, err := output.NewFileWriter(cfg.Output.File, cfg.AppendOutput(), format)
		if err != nil {
			return nil, err
		}
		sink.Add(w)
	}

	if r := cfg.Output.Redis; r != nil && r.Addr != "" {
		w, err := output.NewRedisWriter(ctx, output.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Key:      r.Key,
		})
		if err != nil {
			sink.Close()
			return nil, err
		}
		sink.Add(w)
	}

	if wh := cfg.Output.Webhook; wh != nil && wh.URL != "" {
		sink.Add(output.NewWebhookWriter(output.WebhookConfig{
			URL:        wh.URL,
			BatchSize:  wh.BatchSize,
			Timeout:    wh.Timeout.Duration,
			MaxRetries: wh.MaxRetries,
			Headers:    wh.Headers,
		}))
	}
	return sink, nil
}

func runSummary(s driver.Summary, ps pool.Stats, offset int) output.RunSummary {
	return output.RunSummary{
		LinesRead:    s.Targets,
		Admitted:     s.Admitted,
		Connected:    ps.Connected,
		Results:      ps.Results,
		DialErrors:   s.DialErrors,
		Exhausted:    s.Exhausted,
		ResumeOffset: offset,
		Elapsed:      s.Elapsed.Truncate(time.Millisecond).String(),
	}
}

func printSummary(w io.Writer, s driver.Summary, ps pool.Stats, offset int) {
	fmt.Fprintf(w, "\nDone in %s. %d lines read, %d connections, %d connected, %d results, %d dial errors\n",
		s.Elapsed.Truncate(time.Millisecond), s.Targets, s.Admitted, ps.Connected, ps.Results, s.DialErrors)
	if !s.Exhausted {
		fmt.Fprintf(w, "Stopped before the end of input; resume with -s %d\n", offset)
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "rs-grab: %s: %v\n", msg, err)
	os.Exit(1)
}
