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
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

// staticConfig holds the handful of server settings operators tend to
// pin in a checked-in file rather than pass as environment variables.
// It's optional and applied as overrides on top of loadConfig's env-based
// defaults, the same relationship the original project's YAML-backed
// key file had to its own env table.
type staticConfig struct {
	MetricsPort  string `yaml:"metrics_port"`
	ControlHost  string `yaml:"control_host"`
	ControlPort  string `yaml:"control_port"`
	GeoIPDB      string `yaml:"geoip_db"`
	LogLevel     string `yaml:"log_level"`
	SyncTimeSecs int    `yaml:"sync_time_seconds"`
}

func loadStaticConfig(path string) (*staticConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg staticConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// applyStaticConfig overlays any non-zero fields in s onto cfg, so a
// present env var still wins only when the file leaves a field blank.
func (cfg *config) applyStaticConfig(s *staticConfig) {
	if s.MetricsPort != "" {
		cfg.metricsPort = s.MetricsPort
	}
	if s.ControlHost != "" {
		cfg.controlHost = s.ControlHost
	}
	if s.ControlPort != "" {
		cfg.controlPort = s.ControlPort
	}
	if s.GeoIPDB != "" {
		cfg.geoIPPath = s.GeoIPDB
	}
	if s.LogLevel != "" {
		cfg.logLevel = s.LogLevel
	}
	if s.SyncTimeSecs > 0 {
		cfg.syncTime = time.Duration(s.SyncTimeSecs) * time.Second
	}
}
