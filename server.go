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
	"net"
	"time"

	logging "github.com/op/go-logging"

	"github.com/outline-multiuser/ssrelay/cipherman"
	"github.com/outline-multiuser/ssrelay/metrics"
	"github.com/outline-multiuser/ssrelay/registry"
)

var log = logging.MustGetLogger("ssrelay")

const dialTimeout = 10 * time.Second

// relayCore bundles everything a single port's TCP and UDP accept loops
// need, and is what proxymanager hands each port's listeners to.
type relayCore struct {
	reg          *registry.Registry
	cm           *cipherman.Manager
	m            metrics.ShadowsocksMetrics
	idleTimeout  time.Duration
	tcpConnLimit int32
}

// serve is the proxymanager.ServeFunc this relay core exposes: it runs
// both the TCP and UDP accept loops for one port until ctx is canceled.
func (c *relayCore) serve(ctx context.Context, tcpLn *net.TCPListener, udpConn *net.UDPConn, port uint16) {
	go c.serveTCP(ctx, tcpLn, port)
	c.serveUDP(ctx, udpConn, port)
}
