package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/waddie/nrepl.hx/nrepl"
)

// nreplctl config.toml key mapping to client runtime settings.
type fileConfig struct {
	Addr               string `toml:"addr"`
	HistoryFile        string `toml:"history_file"`
	MetricsAddr        string `toml:"metrics_addr"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs"`
	EvalTimeoutSecs    int    `toml:"eval_timeout_secs"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
	MaxStringLen       int    `toml:"max_string_len"`
	MaxResponseSize    int    `toml:"max_response_size"`
	MaxOutputEntries   int    `toml:"max_output_entries"`
	MaxOutputTotalSize int    `toml:"max_output_total_size"`
	MaxIncompleteReads int    `toml:"max_incomplete_reads"`
}

type cliConfig struct {
	Addr        string
	HistoryFile string
	MetricsAddr string
	Timeouts    nrepl.Timeouts
	Limits      nrepl.Limits
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Addr:        "127.0.0.1:7888",
		HistoryFile: ".nreplctl_history",
		Timeouts:    nrepl.DefaultTimeouts(),
		Limits:      nrepl.DefaultLimits(),
	}
}

// nreplctl loader for TOML config with default overlay.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load nreplctl config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("history_file") {
		cfg.HistoryFile = strings.TrimSpace(raw.HistoryFile)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("connect_timeout_secs") {
		cfg.Timeouts.Connect = time.Duration(raw.ConnectTimeoutSecs) * time.Second
	}
	if meta.IsDefined("eval_timeout_secs") {
		cfg.Timeouts.Eval = time.Duration(raw.EvalTimeoutSecs) * time.Second
	}
	if meta.IsDefined("request_timeout_secs") {
		cfg.Timeouts.Request = time.Duration(raw.RequestTimeoutSecs) * time.Second
	}
	if meta.IsDefined("max_string_len") {
		cfg.Limits.MaxStringLen = raw.MaxStringLen
	}
	if meta.IsDefined("max_response_size") {
		cfg.Limits.MaxResponseSize = raw.MaxResponseSize
	}
	if meta.IsDefined("max_output_entries") {
		cfg.Limits.MaxOutputEntries = raw.MaxOutputEntries
	}
	if meta.IsDefined("max_output_total_size") {
		cfg.Limits.MaxOutputTotalSize = raw.MaxOutputTotalSize
	}
	if meta.IsDefined("max_incomplete_reads") {
		cfg.Limits.MaxIncompleteReads = raw.MaxIncompleteReads
	}

	if cfg.Addr == "" {
		return cliConfig{}, fmt.Errorf("load nreplctl config: addr must not be empty")
	}
	if cfg.Timeouts.Connect < 0 || cfg.Timeouts.Eval < 0 || cfg.Timeouts.Request < 0 {
		return cliConfig{}, fmt.Errorf("load nreplctl config: timeouts must not be negative")
	}
	return cfg, nil
}
