// Copyright 2020 Jigsaw Operations LLC
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

// Package registry holds the in-memory, process-lifetime table of
// Shadowsocks users: their connection parameters and their accounting
// counters (spec §3, §4.4).
package registry

import (
	"fmt"
	"net"

	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

// Method re-exports shadowsocks.Method so callers of this package don't
// need to import shadowsocks just to name a method.
type Method = shadowsocks.Method

// Data is the subset of a User that an Upsert/BulkReconcile caller
// supplies — the "desired state" of a user, as pulled from a config
// source. Accounting fields are never set through Data; they are owned
// exclusively by the registry's mutators.
type Data struct {
	UserID   int64
	Port     uint16
	Method   Method
	Password string
	Enable   bool
}

// User is a process-lifetime record for one Shadowsocks account. All
// mutation happens through Registry's methods; callers never see it
// mid-update because every mutator holds the registry's lock for the
// duration of the change.
type User struct {
	UserID   int64
	Port     uint16
	Method   Method
	Password string
	Enable   bool

	// AccessOrder is bumped every time this user wins a find-access-user
	// scan on a shared port, so that the next scan on that port tries it
	// first (spec §4.5).
	AccessOrder int64

	// NeedSync is set whenever UploadBytes, DownloadBytes or IPList is
	// mutated, and cleared by DrainNeedSync. Changes to TCPConnNum do not
	// set it.
	NeedSync bool

	UploadBytes   uint64
	DownloadBytes uint64
	TCPConnNum    int32
	IPList        map[string]struct{}
}

// clone returns a deep copy suitable for handing to a caller outside the
// registry's lock (e.g. ListByPort, List).
func (u *User) clone() *User {
	cp := *u
	cp.IPList = make(map[string]struct{}, len(u.IPList))
	for ip := range u.IPList {
		cp.IPList[ip] = struct{}{}
	}
	return &cp
}

// UsedTraffic is the sum of upload and download bytes accounted so far in
// the current sync window.
func (u *User) UsedTraffic() uint64 {
	return u.UploadBytes + u.DownloadBytes
}

// HumanUsedTraffic renders UsedTraffic in the smallest sensible unit,
// matching the formatting the original Python implementation used for
// operator-facing output.
func (u *User) HumanUsedTraffic() string {
	return humanBytes(u.UsedTraffic())
}

func humanBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n < 8*kb:
		return fmt.Sprintf("%dB", n)
	case n < mb:
		return fmt.Sprintf("%.2fKB", float64(n)/kb)
	case n < gb:
		return fmt.Sprintf("%.2fMB", float64(n)/mb)
	default:
		return fmt.Sprintf("%.2fGB", float64(n)/gb)
	}
}

// IPStrings returns the recorded peer IPs as strings, for sync pushes.
func (u *User) IPStrings() []string {
	ips := make([]string, 0, len(u.IPList))
	for ip := range u.IPList {
		ips = append(ips, ip)
	}
	return ips
}

func ipKey(ip net.IP) string {
	return ip.String()
}
