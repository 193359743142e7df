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

// Package metrics exposes server-wide operational counters over
// Prometheus and offers GetLocation to resolve client IPs to country
// codes, degrading gracefully when no GeoIP database is configured. No
// counter carries a location label.
package metrics

import (
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics tracks the byte counts observed on both legs of a proxied
// connection, filled in by MeasureConn as bytes flow through it.
type ProxyMetrics struct {
	ProxyClient int64
	ClientProxy int64
	ProxyTarget int64
	TargetProxy int64
}

// ShadowsocksMetrics is the full set of counters the relay core reports to
// as connections and datagrams come and go.
type ShadowsocksMetrics interface {
	SetNumAccessKeys(numKeys, numPorts int)
	AddOpenTCPConnection()
	AddClosedTCPConnection(userID, status string, data ProxyMetrics, duration time.Duration)
	AddUDPPacketFromClient(userID, status string, clientProxyBytes, proxyTargetBytes int)
	AddUDPPacketFromTarget(userID, status string, targetProxyBytes, proxyClientBytes int)
	AddUDPNatEntry()
	RemoveUDPNatEntry()
	GetLocation(addr net.Addr) (string, error)
}

type prometheusMetrics struct {
	geoIP *geoip2.Reader

	accessKeys      prometheus.Gauge
	ports           prometheus.Gauge
	tcpOpenConns    prometheus.Counter
	tcpClosedConns  *prometheus.CounterVec
	tcpConnDuration *prometheus.HistogramVec
	dataBytes       *prometheus.CounterVec
	udpPacketsIn    *prometheus.CounterVec
	udpPacketsOut   *prometheus.CounterVec
	udpNatEntries   prometheus.Gauge
}

// NewShadowsocksMetrics builds a Prometheus-backed ShadowsocksMetrics and
// registers its collectors with reg. If geoPath is empty, GetLocation
// always returns "XX" rather than failing: GeoIP is a diagnostic nicety,
// not a dependency the relay should refuse to start without.
func NewShadowsocksMetrics(reg prometheus.Registerer, geoPath string) (ShadowsocksMetrics, error) {
	var reader *geoip2.Reader
	if geoPath != "" {
		r, err := geoip2.Open(geoPath)
		if err != nil {
			return nil, err
		}
		reader = r
	}

	m := &prometheusMetrics{
		geoIP: reader,
		accessKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowsocks",
			Name:      "num_access_keys",
			Help:      "Number of access keys currently configured",
		}),
		ports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowsocks",
			Name:      "num_ports",
			Help:      "Number of ports currently listening",
		}),
		tcpOpenConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connections_opened_total",
			Help:      "Total TCP connections opened",
		}),
		tcpClosedConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connections_closed_total",
			Help:      "Total TCP connections closed, by user and status",
		}, []string{"user_id", "status"}),
		tcpConnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connection_duration_seconds",
			Help:      "TCP connection lifetime",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		dataBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Name:      "data_bytes_total",
			Help:      "Total bytes transferred, by direction",
		}, []string{"dir"}),
		udpPacketsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "udp",
			Name:      "packets_from_client_total",
			Help:      "UDP packets received from clients, by user and status",
		}, []string{"user_id", "status"}),
		udpPacketsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "udp",
			Name:      "packets_from_target_total",
			Help:      "UDP packets received from targets, by user and status",
		}, []string{"user_id", "status"}),
		udpNatEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowsocks",
			Subsystem: "udp",
			Name:      "nat_entries",
			Help:      "Live UDP NAT table entries",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.accessKeys, m.ports, m.tcpOpenConns, m.tcpClosedConns,
		m.tcpConnDuration, m.dataBytes, m.udpPacketsIn, m.udpPacketsOut,
		m.udpNatEntries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *prometheusMetrics) SetNumAccessKeys(numKeys, numPorts int) {
	m.accessKeys.Set(float64(numKeys))
	m.ports.Set(float64(numPorts))
}

func (m *prometheusMetrics) AddOpenTCPConnection() {
	m.tcpOpenConns.Inc()
}

func (m *prometheusMetrics) AddClosedTCPConnection(userID, status string, data ProxyMetrics, duration time.Duration) {
	m.tcpClosedConns.WithLabelValues(userID, status).Inc()
	m.tcpConnDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.dataBytes.WithLabelValues("c2p").Add(float64(data.ClientProxy))
	m.dataBytes.WithLabelValues("p2c").Add(float64(data.ProxyClient))
	m.dataBytes.WithLabelValues("p2t").Add(float64(data.ProxyTarget))
	m.dataBytes.WithLabelValues("t2p").Add(float64(data.TargetProxy))
}

func (m *prometheusMetrics) AddUDPPacketFromClient(userID, status string, clientProxyBytes, proxyTargetBytes int) {
	m.udpPacketsIn.WithLabelValues(userID, status).Inc()
	m.dataBytes.WithLabelValues("c2p").Add(float64(clientProxyBytes))
	m.dataBytes.WithLabelValues("p2t").Add(float64(proxyTargetBytes))
}

func (m *prometheusMetrics) AddUDPPacketFromTarget(userID, status string, targetProxyBytes, proxyClientBytes int) {
	m.udpPacketsOut.WithLabelValues(userID, status).Inc()
	m.dataBytes.WithLabelValues("t2p").Add(float64(targetProxyBytes))
	m.dataBytes.WithLabelValues("p2c").Add(float64(proxyClientBytes))
}

func (m *prometheusMetrics) AddUDPNatEntry() {
	m.udpNatEntries.Inc()
}

func (m *prometheusMetrics) RemoveUDPNatEntry() {
	m.udpNatEntries.Dec()
}

// GetLocation resolves addr's IP to an ISO country code. It returns "XX"
// (and no error) when no GeoIP database is loaded or the address can't be
// looked up, since location is diagnostic and must never block a proxy
// decision.
func (m *prometheusMetrics) GetLocation(addr net.Addr) (string, error) {
	if m.geoIP == nil {
		return "XX", nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "XX", nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "XX", nil
	}
	record, err := m.geoIP.Country(ip)
	if err != nil {
		return "XX", nil
	}
	if record.Country.IsoCode == "" {
		return "XX", nil
	}
	return record.Country.IsoCode, nil
}
