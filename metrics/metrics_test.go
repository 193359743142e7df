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

package metrics

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewShadowsocksMetricsRegistersWithoutGeoIP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewShadowsocksMetrics(reg, "")
	if err != nil {
		t.Fatal(err)
	}

	m.SetNumAccessKeys(3, 2)
	m.AddOpenTCPConnection()
	m.AddClosedTCPConnection("1", "OK", ProxyMetrics{ProxyClient: 10, ClientProxy: 20}, 5*time.Millisecond)
	m.AddUDPPacketFromClient("1", "OK", 5, 5)
	m.AddUDPPacketFromTarget("1", "OK", 5, 5)
	m.AddUDPNatEntry()
	m.RemoveUDPNatEntry()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestGetLocationWithoutGeoIPReturnsXX(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewShadowsocksMetrics(reg, "")
	if err != nil {
		t.Fatal(err)
	}
	loc, err := m.GetLocation(&net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1234})
	if err != nil {
		t.Fatal(err)
	}
	if loc != "XX" {
		t.Fatalf("expected XX without a GeoIP database, got %q", loc)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewShadowsocksMetrics(reg, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := NewShadowsocksMetrics(reg, ""); err == nil {
		t.Fatal("expected the second registration against the same registry to fail")
	}
}
