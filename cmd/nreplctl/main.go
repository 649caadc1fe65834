package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/waddie/nrepl.hx/internal/logging"
	"github.com/waddie/nrepl.hx/internal/observability"
	"github.com/waddie/nrepl.hx/nrepl"
)

func main() {
	configPath := flag.String("config", "", "path to nreplctl config.toml")
	addr := flag.String("addr", "", "server address (overrides config)")
	evalExpr := flag.String("eval", "", "evaluate one expression and exit")
	flag.Parse()

	logging.ConfigureRuntime("nreplctl")

	cfg := defaultCLIConfig()
	if *configPath != "" {
		loaded, err := loadCLIConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("config load failed")
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	if cfg.MetricsAddr != "" {
		observability.RegisterMetrics()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	conn, err := nrepl.DialConfig(cfg.Addr, nrepl.Config{
		Limits:   cfg.Limits,
		Timeouts: cfg.Timeouts,
		NextID:   nrepl.NewUUIDGenerator(),
		Logger:   log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("connect failed")
	}
	defer conn.Close()

	ctx := context.Background()
	session, err := conn.CloneSession(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("session clone failed")
	}

	if *evalExpr != "" {
		result, err := conn.Eval(ctx, session, *evalExpr)
		printResult(result, err)
		if err := conn.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		if err != nil {
			os.Exit(1)
		}
		return
	}

	runREPL(ctx, conn, session, cfg)

	if err := conn.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

func runREPL(ctx context.Context, conn *nrepl.Conn, session nrepl.Session, cfg cliConfig) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := historyFile(cfg.HistoryFile)
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	ns := "user"
	fmt.Printf("connected to %s (session %s)\n", cfg.Addr, session)

	for {
		input, err := line.Prompt(ns + "=> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("prompt failed")
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, ":") {
			if quit := runCommand(ctx, conn, session, input); quit {
				return
			}
			continue
		}

		result, err := conn.Eval(ctx, session, input)
		printResult(result, err)
		if result != nil && result.NS != "" {
			ns = result.NS
		}
	}
}

func runCommand(ctx context.Context, conn *nrepl.Conn, session nrepl.Session, input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case ":quit", ":exit":
		return true

	case ":sessions":
		ids, err := conn.LsSessions(ctx)
		if err != nil {
			printError(err)
			return false
		}
		for _, id := range ids {
			fmt.Println(id)
		}

	case ":describe":
		caps, err := conn.Describe(ctx, false)
		if err != nil {
			printError(err)
			return false
		}
		ops := make([]string, 0, len(caps.Ops))
		for op := range caps.Ops {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		fmt.Println("ops:", strings.Join(ops, " "))
		for name, version := range caps.Versions {
			fmt.Printf("%s: %s\n", name, version)
		}

	case ":doc":
		if len(fields) < 2 {
			fmt.Println("usage: :doc <symbol>")
			return false
		}
		info, err := conn.Lookup(ctx, session, fields[1], "", "")
		if err != nil {
			printError(err)
			return false
		}
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, info[k])
		}

	case ":complete":
		if len(fields) < 2 {
			fmt.Println("usage: :complete <prefix>")
			return false
		}
		candidates, err := conn.Completions(ctx, session, fields[1], "", "")
		if err != nil {
			printError(err)
			return false
		}
		for _, c := range candidates {
			fmt.Println(c)
		}

	case ":load":
		if len(fields) < 2 {
			fmt.Println("usage: :load <file>")
			return false
		}
		contents, err := os.ReadFile(fields[1])
		if err != nil {
			printError(err)
			return false
		}
		result, err := conn.LoadFile(ctx, session, string(contents), fields[1], filepath.Base(fields[1]))
		printResult(result, err)

	default:
		fmt.Println("commands: :quit :sessions :describe :doc :complete :load")
	}
	return false
}

func printResult(result *nrepl.EvalResult, err error) {
	if result != nil {
		for _, out := range result.Output {
			fmt.Print(out)
		}
		for _, e := range result.Errors {
			fmt.Fprint(os.Stderr, e)
		}
	}
	if err != nil {
		printError(err)
		return
	}
	if result != nil && result.Value != "" {
		fmt.Println(result.Value)
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func historyFile(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, name)
}
