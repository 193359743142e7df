// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	logging "github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outline-multiuser/ssrelay/cipherman"
	"github.com/outline-multiuser/ssrelay/controlapi"
	"github.com/outline-multiuser/ssrelay/metrics"
	"github.com/outline-multiuser/ssrelay/proxymanager"
	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/replay"
	"github.com/outline-multiuser/ssrelay/syncdriver"
)

// config is populated from the SS_* environment variables, in the same
// style as the original app's env-backed settings table.
type config struct {
	apiEndpoint    string // SS_API_ENDPOINT: base URL of a remote control plane
	apiToken       string // SS_API_TOKEN
	nodeID         string // SS_NODE_ID
	jsonConfigPath string // SS_JSON_CONFIG: local file used when apiEndpoint is empty
	controlHost    string // SS_GRPC_HOST (repurposed for the HTTP control API)
	controlPort    string // SS_GRPC_PORT
	metricsPort    string // SS_METRICS_PORT
	geoIPPath      string // SS_GEOIP_DB
	syncTime       time.Duration
	logLevel       string // SS_LOG_LEVEL
	idleTimeout    time.Duration
	tcpConnLimit   int32
}

func loadConfig() config {
	syncSeconds := 60
	if v := os.Getenv("SS_SYNC_TIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			syncSeconds = n
		}
	}
	idleSeconds := 300
	if v := os.Getenv("SS_TIME_OUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			idleSeconds = n
		}
	}
	var tcpConnLimit int32
	if v := os.Getenv("SS_TCP_CONN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tcpConnLimit = int32(n)
		}
	}
	logLevel := os.Getenv("SS_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	return config{
		apiEndpoint:    os.Getenv("SS_API_ENDPOINT"),
		apiToken:       os.Getenv("SS_API_TOKEN"),
		nodeID:         os.Getenv("SS_NODE_ID"),
		jsonConfigPath: os.Getenv("SS_JSON_CONFIG"),
		controlHost:    envOr("SS_GRPC_HOST", "127.0.0.1"),
		controlPort:    envOr("SS_GRPC_PORT", "8980"),
		metricsPort:    envOr("SS_METRICS_PORT", "9090"),
		geoIPPath:      os.Getenv("SS_GEOIP_DB"),
		syncTime:       time.Duration(syncSeconds) * time.Second,
		logLevel:       logLevel,
		idleTimeout:    time.Duration(idleSeconds) * time.Second,
		tcpConnLimit:   tcpConnLimit,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging(level string) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	))
	leveled := logging.AddModuleLevel(formatted)
	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
}

func main() {
	cfg := loadConfig()
	if path := os.Getenv("SS_CONFIG_FILE"); path != "" {
		sc, err := loadStaticConfig(path)
		if err != nil {
			log.Warningf("ignoring static config file %s: %v", path, err)
		} else {
			cfg.applyStaticConfig(sc)
		}
	}
	setupLogging(cfg.logLevel)

	reg := registry.New()
	guard := replay.NewDefault()
	cm := cipherman.New(reg, guard)

	promReg := prometheus.NewRegistry()
	m, err := metrics.NewShadowsocksMetrics(promReg, cfg.geoIPPath)
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}

	core := &relayCore{reg: reg, cm: cm, m: m, idleTimeout: cfg.idleTimeout, tcpConnLimit: cfg.tcpConnLimit}
	pm := proxymanager.New(core.serve)

	var source syncdriver.Source
	if cfg.apiEndpoint != "" {
		log.Infof("syncing users from remote control plane at %s", cfg.apiEndpoint)
		source = syncdriver.NewRemoteSource(cfg.apiEndpoint, cfg.apiToken, cfg.nodeID)
	} else {
		log.Infof("syncing users from local file %s", cfg.jsonConfigPath)
		source = &syncdriver.JSONSource{Path: cfg.jsonConfigPath}
	}

	driver := syncdriver.New(reg, source, reconcileFunc(pm.Reconcile), cfg.syncTime)
	driver.SetKeyCounter(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	go func() {
		addr := "0.0.0.0:" + cfg.metricsPort
		log.Infof("metrics on http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()

	api := controlapi.New(reg, cm)
	controlAddr := cfg.controlHost + ":" + cfg.controlPort
	go func() {
		log.Infof("control API on http://%s", controlAddr)
		if err := http.ListenAndServe(controlAddr, api.Handler()); err != nil {
			log.Errorf("control API server stopped: %v", err)
		}
	}()

	sigHup := make(chan os.Signal, 1)
	signal.Notify(sigHup, syscall.SIGHUP)
	go func() {
		for range sigHup {
			log.Info("received SIGHUP, forcing an immediate sync")
			driver.Resync()
		}
	}()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGINT, syscall.SIGTERM)
	<-sigTerm
	log.Info("shutting down")
	cancel()
	pm.Close()
}

// reconcileFunc adapts proxymanager.Manager.Reconcile to the
// syncdriver.ReconcileListener interface.
type reconcileFunc func(ports map[uint16]struct{})

func (f reconcileFunc) Reconcile(ports map[uint16]struct{}) { f(ports) }
