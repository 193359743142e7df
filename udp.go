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
	"sync"
	"time"

	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

const (
	natTimeout     = 5 * time.Minute
	natSweepPeriod = 30 * time.Second
)

// natEntry is one client's outbound socket toward arbitrary targets. A
// reply datagram is accepted from any source address: ListenUDP, not
// DialUDP, backs the outbound socket, since a target may legitimately
// answer from a different address than the client sent to (DNS servers
// and QUIC endpoints commonly do).
type natEntry struct {
	userID     int64
	clientAddr net.Addr
	out        *net.UDPConn
	lastActive int64 // unix seconds, accessed only while natTable.mu is held
}

type natTable struct {
	mu      sync.Mutex
	entries map[string]*natEntry
}

func newNATTable() *natTable {
	return &natTable{entries: make(map[string]*natEntry)}
}

func (c *relayCore) serveUDP(ctx context.Context, conn *net.UDPConn, port uint16) {
	nat := newNATTable()
	go c.sweepNAT(ctx, nat)

	buf := make([]byte, shadowsocks.MaxUDPPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, clientAddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warningf("udp read on port %d: %v", port, err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.handleClientPacket(conn, nat, pkt, clientAddr, port)
	}
}

func (c *relayCore) handleClientPacket(conn *net.UDPConn, nat *natTable, pkt []byte, clientAddr net.Addr, port uint16) {
	bound, plaintext, err := c.cm.FindUDP(pkt, port)
	if err != nil {
		c.m.AddUDPPacketFromClient("", classifyFindErr(err), len(pkt), 0)
		return
	}
	userID := fmt.Sprintf("%d", bound.User.UserID)

	tgt, headerLen, err := shadowsocks.ParseAddr(plaintext)
	if err != nil {
		c.m.AddUDPPacketFromClient(userID, "ERR_READ_HEADER", len(pkt), 0)
		return
	}
	payload := plaintext[headerLen:]

	if host, _, err := net.SplitHostPort(clientAddr.String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			c.reg.RecordIP(bound.User.UserID, ip)
		}
	}

	entry := nat.loadOrCreate(clientAddr, bound.User.UserID, func() (*net.UDPConn, error) {
		out, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, err
		}
		c.m.AddUDPNatEntry()
		go c.relayFromTarget(conn, nat, out, clientAddr, bound.Cipher, userID)
		return out, nil
	})
	if entry == nil {
		c.m.AddUDPPacketFromClient(userID, "ERR_NAT", len(pkt), 0)
		return
	}

	targetAddr, err := net.ResolveUDPAddr("udp", tgt.String())
	if err != nil {
		c.m.AddUDPPacketFromClient(userID, "ERR_RESOLVE", len(pkt), 0)
		return
	}
	n, err := entry.out.WriteTo(payload, targetAddr)
	if err != nil {
		c.m.AddUDPPacketFromClient(userID, "ERR_WRITE", len(pkt), 0)
		return
	}
	c.m.AddUDPPacketFromClient(userID, "OK", len(pkt), n)
}

func (c *relayCore) relayFromTarget(clientSock *net.UDPConn, nat *natTable, out *net.UDPConn, clientAddr net.Addr, cipher *shadowsocks.Cipher, userID string) {
	defer func() {
		out.Close()
		nat.remove(clientAddr)
		c.m.RemoveUDPNatEntry()
	}()

	header := make([]byte, 0, 1+net.IPv6len+2)
	buf := make([]byte, shadowsocks.MaxUDPPacketSize)
	for {
		out.SetReadDeadline(time.Now().Add(natTimeout))
		n, from, err := out.ReadFrom(buf)
		if err != nil {
			return
		}
		nat.touch(clientAddr)

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		wireHeader, err := shadowsocks.AppendAddr(header[:0], udpAddr.IP.String(), uint16(udpAddr.Port))
		if err != nil {
			continue
		}
		plaintext := append(wireHeader, buf[:n]...)
		pkt, err := shadowsocks.Pack(nil, plaintext, cipher)
		if err != nil {
			log.Warningf("udp pack reply for user %s: %v", userID, err)
			continue
		}
		written, err := clientSock.WriteTo(pkt, clientAddr)
		if err != nil {
			c.m.AddUDPPacketFromTarget(userID, "ERR_WRITE", n, 0)
			return
		}
		c.m.AddUDPPacketFromTarget(userID, "OK", n, written)
	}
}

func (n *natTable) loadOrCreate(clientAddr net.Addr, userID int64, open func() (*net.UDPConn, error)) *natEntry {
	key := clientAddr.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[key]; ok {
		e.lastActive = time.Now().Unix()
		return e
	}
	out, err := open()
	if err != nil {
		log.Warningf("failed to open outbound UDP socket for %s: %v", key, err)
		return nil
	}
	e := &natEntry{userID: userID, clientAddr: clientAddr, out: out, lastActive: time.Now().Unix()}
	n.entries[key] = e
	return e
}

func (n *natTable) touch(clientAddr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[clientAddr.String()]; ok {
		e.lastActive = time.Now().Unix()
	}
}

func (n *natTable) remove(clientAddr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.entries, clientAddr.String())
}

// sweepNAT periodically closes NAT entries that have gone quiet, the
// server-side counterpart of the client NAT table's own timeout. It's a
// backstop: relayFromTarget's own read deadline reclaims the common case,
// this catches any entry whose read goroutine exits without reaching the
// deferred cleanup (e.g. process shutdown mid-read).
func (c *relayCore) sweepNAT(ctx context.Context, nat *natTable) {
	ticker := time.NewTicker(natSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-natTimeout).Unix()
			nat.mu.Lock()
			for key, e := range nat.entries {
				if e.lastActive < cutoff {
					e.out.Close()
					delete(nat.entries, key)
				}
			}
			nat.mu.Unlock()
		}
	}
}
