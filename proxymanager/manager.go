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

// Package proxymanager owns the lifetime of the TCP and UDP listeners
// backing each port a user is registered on, opening and closing them to
// track the registry's enabled-port set as it changes.
package proxymanager

import (
	"context"
	"fmt"
	"net"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("proxymanager")

// ServeFunc runs the accept loops for one port's listeners until ctx is
// canceled. The Manager calls it in its own goroutine as soon as the
// listeners are open.
type ServeFunc func(ctx context.Context, tcpLn *net.TCPListener, udpConn *net.UDPConn, port uint16)

type portListeners struct {
	tcp    *net.TCPListener
	udp    *net.UDPConn
	cancel context.CancelFunc
}

func (pl *portListeners) close() {
	pl.cancel()
	pl.tcp.Close()
	pl.udp.Close()
}

// Manager tracks which ports currently have open listeners and reconciles
// that set against the registry's enabled ports on each sync tick.
type Manager struct {
	mu    sync.Mutex
	ports map[uint16]*portListeners
	serve ServeFunc
}

// New creates a Manager that hands freshly opened listeners to serve.
func New(serve ServeFunc) *Manager {
	return &Manager{
		ports: make(map[uint16]*portListeners),
		serve: serve,
	}
}

// Reconcile opens listeners for every port in wanted that isn't already
// open, and closes every open port not in wanted. Ports whose listeners
// fail to open are logged and skipped rather than aborting the whole
// reconcile; they'll be retried on the next call.
func (m *Manager) Reconcile(wanted map[uint16]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port := range wanted {
		if _, ok := m.ports[port]; ok {
			continue
		}
		if err := m.openLocked(port); err != nil {
			log.Errorf("failed to open port %d: %v", port, err)
		}
	}
	for port, pl := range m.ports {
		if _, ok := wanted[port]; ok {
			continue
		}
		pl.close()
		delete(m.ports, port)
		log.Infof("stopped listening on port %d", port)
	}
}

func (m *Manager) openLocked(port uint16) error {
	tcpLn, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("tcp listen on %d: %w", port, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("udp listen on %d: %w", port, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pl := &portListeners{tcp: tcpLn, udp: udpConn, cancel: cancel}
	m.ports[port] = pl
	go m.serve(ctx, tcpLn, udpConn, port)
	log.Infof("listening TCP and UDP on port %d", port)
	return nil
}

// OpenPorts returns the set of ports currently listening, for diagnostics.
func (m *Manager) OpenPorts() map[uint16]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]struct{}, len(m.ports))
	for port := range m.ports {
		out[port] = struct{}{}
	}
	return out
}

// Close shuts down every open listener. Used on graceful server shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, pl := range m.ports {
		pl.close()
		delete(m.ports, port)
	}
}
