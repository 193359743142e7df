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
	"fmt"
	"net"
	"time"

	"github.com/outline-multiuser/ssrelay/cipherman"
	"github.com/outline-multiuser/ssrelay/metrics"
	"github.com/outline-multiuser/ssrelay/onet"
	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

// A TCP connection moves through the same four stages the original
// asyncio handler named explicitly: INIT (find the owning user and read
// the target header), CONNECT (dial the target), STREAM (relay), and
// DESTROY/ERROR on the way out. Go expresses that as a single function
// that runs the stages in sequence rather than a stored _stage field,
// since nothing here actually yields between stages.

func (c *relayCore) serveTCP(ctx context.Context, ln *net.TCPListener, port uint16) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warningf("tcp accept on port %d: %v", port, err)
			continue
		}
		c.m.AddOpenTCPConnection()
		go c.handleTCP(conn, port)
	}
}

func (c *relayCore) handleTCP(conn *net.TCPConn, port uint16) {
	start := time.Now()
	conn.SetKeepAlive(true)

	userID := ""
	var proxyMetrics metrics.ProxyMetrics
	var connErr *onet.ConnectionError

	measured := metrics.MeasureConn(conn, &proxyMetrics.ProxyClient, &proxyMetrics.ClientProxy)
	defer func() {
		measured.Close()
		status := onet.StatusOK
		if connErr != nil {
			status = connErr.Status
			log.Warningf("tcp [%s] %s: %v", status, conn.RemoteAddr(), connErr)
		}
		c.m.AddClosedTCPConnection(userID, status, proxyMetrics, time.Since(start))
	}()

	// STAGE_INIT: identify the owning user and splice the Shadowsocks
	// framing onto the raw socket.
	bound, ssReader, err := c.cm.FindTCP(measured, port)
	if err != nil {
		connErr = onet.NewConnectionError(classifyFindErr(err), "failed to find access user", err)
		return
	}
	userID = fmt.Sprintf("%d", bound.User.UserID)

	c.reg.IncrTCP(bound.User.UserID, 1)
	defer c.reg.IncrTCP(bound.User.UserID, -1)
	if c.tcpConnLimit > 0 {
		if cur := c.reg.Get(bound.User.UserID); cur != nil && cur.TCPConnNum > c.tcpConnLimit {
			connErr = onet.NewConnectionError(onet.StatusErrUserDisabled, "tcp connection limit exceeded", nil)
			return
		}
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			c.reg.RecordIP(bound.User.UserID, ip)
		}
	}

	ssWriter := shadowsocks.NewWriter(measured, bound.Cipher)
	clientConn := onet.WrapConn(measured, ssReader, ssWriter)
	clientConn.SetReadDeadline(time.Now().Add(c.idleTimeout))

	// STAGE_CONNECT: read the target header, dial it.
	tgt, err := shadowsocks.ReadAddr(clientConn)
	if err != nil {
		connErr = onet.NewConnectionError(onet.StatusErrReadHeader, "failed to read target address", err)
		return
	}

	tgtConn, err := onet.DialTimeout("tcp", tgt.String(), dialTimeout)
	if err != nil {
		connErr = onet.NewConnectionError(onet.StatusErrConnect, "failed to connect to target", err)
		return
	}
	defer tgtConn.Close()
	if tc, ok := tgtConn.(interface{ SetKeepAlive(bool) error }); ok {
		tc.SetKeepAlive(true)
	}
	measuredTgt := metrics.MeasureConn(tgtConn, &proxyMetrics.ProxyTarget, &proxyMetrics.TargetProxy)

	clientConn.SetReadDeadline(time.Time{})

	// STAGE_STREAM: relay until either side closes.
	if _, _, err := onet.Relay(clientConn, measuredTgt); err != nil {
		connErr = onet.NewConnectionError(onet.StatusErrRelay, "failed to relay traffic", err)
		return
	}
	// STAGE_DESTROY happens in the deferred cleanup above.
}

func classifyFindErr(err error) string {
	switch err {
	case cipherman.ErrReplayedSalt:
		return onet.StatusErrReplay
	default:
		return onet.StatusErrCipher
	}
}
