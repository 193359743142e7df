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

// Package onet collects the network-level plumbing shared by the TCP and
// UDP relay handlers: a half-closable connection interface, a decrypting
// wrapper over it, bidirectional copy with status reporting, and the
// connection error taxonomy logged and counted for every closed session.
package onet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DuplexConn is a net.Conn that can half-close each direction
// independently, the shape both a raw TCP socket and a decrypting wrapper
// around one must present to the relay loop.
type DuplexConn interface {
	net.Conn
	io.ReaderFrom
	CloseRead() error
	CloseWrite() error
}

type duplexConnAdaptor struct {
	DuplexConn
	r io.Reader
	w io.Writer
}

func (dc *duplexConnAdaptor) Read(b []byte) (int, error) {
	return dc.r.Read(b)
}

func (dc *duplexConnAdaptor) WriteTo(w io.Writer) (int64, error) {
	if rt, ok := dc.r.(io.WriterTo); ok {
		return rt.WriteTo(w)
	}
	return io.Copy(w, dc.r)
}

func (dc *duplexConnAdaptor) Write(b []byte) (int, error) {
	return dc.w.Write(b)
}

func (dc *duplexConnAdaptor) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := dc.w.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(dc.w, r)
}

func (dc *duplexConnAdaptor) CloseWrite() error {
	return dc.DuplexConn.CloseWrite()
}

func (dc *duplexConnAdaptor) CloseRead() error {
	return dc.DuplexConn.CloseRead()
}

// WrapConn wraps a base DuplexConn, substituting r and w for its Read and
// Write methods while delegating everything else (Close, deadlines,
// half-close) to base. Used to splice a Shadowsocks Reader/Writer pair onto
// the raw TCP socket without losing its half-close semantics.
func WrapConn(base DuplexConn, r io.Reader, w io.Writer) DuplexConn {
	return &duplexConnAdaptor{DuplexConn: base, r: r, w: w}
}

// Relay copies between left and right until one side reaches EOF, then
// half-closes the other side's write end and waits for it to finish, so
// both legs see a clean shutdown instead of an abrupt reset. It returns
// the byte counts in each direction.
func Relay(left, right DuplexConn) (int64, int64, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	var rightToLeft int64
	var rightToLeftErr error
	go func() {
		defer wg.Done()
		rightToLeft, rightToLeftErr = copyAndClose(left, right)
	}()

	leftToRight, leftToRightErr := copyAndClose(right, left)
	wg.Wait()

	if leftToRightErr != nil {
		return leftToRight, rightToLeft, fmt.Errorf("upload: %w", leftToRightErr)
	}
	if rightToLeftErr != nil {
		return leftToRight, rightToLeft, fmt.Errorf("download: %w", rightToLeftErr)
	}
	return leftToRight, rightToLeft, nil
}

func copyAndClose(dst, src DuplexConn) (int64, error) {
	n, err := io.Copy(dst, src)
	src.CloseRead()
	dst.CloseWrite()
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

// DialTimeout dials addr over TCP with a bounded connect timeout and
// returns the result as a DuplexConn.
func DialTimeout(network, addr string, timeout time.Duration) (DuplexConn, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("%s dial did not return a TCP connection", network)
	}
	return tcpConn, nil
}
