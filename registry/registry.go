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

package registry

import (
	"fmt"
	"net"
	"sort"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("registry")

// Registry is the in-memory relational store of users, indexed by
// user_id with a secondary index by port. All mutation goes through a
// single writer lock (spec §4.4, §5's "linearisable" requirement);
// readers take a read lock and return copies so a caller never observes
// a partially-applied mutation.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]*User
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[int64]*User)}
}

// Upsert atomically inserts or updates a user by UserID. Only
// {Port, Method, Password, Enable} are applied from data; accounting
// fields are left untouched on an update and zeroed on insert.
func (r *Registry) Upsert(data Data) error {
	if !data.Method.Valid() {
		return fmt.Errorf("upsert user %d: %w", data.UserID, ErrUnsupportedMethod)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(data)
	return nil
}

func (r *Registry) upsertLocked(data Data) {
	u, ok := r.users[data.UserID]
	if !ok {
		u = &User{UserID: data.UserID, IPList: make(map[string]struct{})}
		r.users[data.UserID] = u
	}
	u.Port = data.Port
	u.Method = data.Method
	u.Password = data.Password
	u.Enable = data.Enable
}

// ErrUnsupportedMethod is returned by Upsert/BulkReconcile when a record
// names a method outside the supported enumeration.
var ErrUnsupportedMethod = fmt.Errorf("method not in the supported enumeration")

// ReconcileResult reports which ports changed membership as a result of a
// BulkReconcile, so the proxy manager can decide what to open or close.
type ReconcileResult struct {
	ChangedPorts map[uint16]struct{}
}

func (r *ReconcileResult) addPort(p uint16) {
	if r.ChangedPorts == nil {
		r.ChangedPorts = make(map[uint16]struct{})
	}
	r.ChangedPorts[p] = struct{}{}
}

// BulkReconcile upserts every entry in desired, then deletes any user not
// present in it. It is idempotent: calling it twice with the same list
// is a no-op the second time. The returned ReconcileResult names every
// port whose enabled-user membership changed, so the proxy manager can
// open or close listeners within the same tick.
func (r *Registry) BulkReconcile(desired []Data) (*ReconcileResult, error) {
	wanted := make(map[int64]struct{}, len(desired))
	for _, d := range desired {
		if !d.Method.Valid() {
			return nil, fmt.Errorf("reconcile user %d: %w", d.UserID, ErrUnsupportedMethod)
		}
		wanted[d.UserID] = struct{}{}
	}

	result := &ReconcileResult{}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range desired {
		before, existed := r.users[d.UserID]
		var prevPort uint16
		prevEnable := false
		if existed {
			prevPort = before.Port
			prevEnable = before.Enable
		}
		r.upsertLocked(d)
		if !existed || prevPort != d.Port || prevEnable != d.Enable {
			if existed && prevPort != d.Port {
				result.addPort(prevPort)
			}
			result.addPort(d.Port)
		}
	}
	for id, u := range r.users {
		if _, ok := wanted[id]; !ok {
			result.addPort(u.Port)
			delete(r.users, id)
			log.Infof("user %d removed by reconcile (port %d)", id, u.Port)
		}
	}
	return result, nil
}

// Get returns a copy of the user with the given id, or nil if absent.
func (r *Registry) Get(userID int64) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	return u.clone()
}

// List returns a copy of every user, in no particular order.
func (r *Registry) List() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.clone())
	}
	return out
}

// ListByPort returns copies of the users listening on port, ordered by
// AccessOrder descending — the order find-access-user scans candidates
// in (spec §4.4, §4.5).
func (r *Registry) ListByPort(port uint16) []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*User
	for _, u := range r.users {
		if u.Port == port {
			out = append(out, u.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccessOrder > out[j].AccessOrder
	})
	return out
}

// EnabledPorts returns the set of distinct ports with at least one
// enabled user, for the proxy manager's listener reconciliation.
func (r *Registry) EnabledPorts() map[uint16]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make(map[uint16]struct{})
	for _, u := range r.users {
		if u.Enable {
			ports[u.Port] = struct{}{}
		}
	}
	return ports
}

// RecordIP adds ip to userID's seen-IP set and marks it for sync.
func (r *Registry) RecordIP(userID int64, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return
	}
	u.IPList[ipKey(ip)] = struct{}{}
	u.NeedSync = true
}

// RecordTraffic increments userID's upload/download counters and marks
// it for sync.
func (r *Registry) RecordTraffic(userID int64, up, down uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return
	}
	u.UploadBytes += up
	u.DownloadBytes += down
	u.NeedSync = true
}

// IncrTCP adjusts userID's live TCP connection count by delta (which may
// be negative). The counter saturates at 0 rather than underflowing.
func (r *Registry) IncrTCP(userID int64, delta int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return
	}
	u.TCPConnNum += delta
	if u.TCPConnNum < 0 {
		log.Warningf("tcp_conn_num underflow for user %d, saturating at 0", userID)
		u.TCPConnNum = 0
	}
}

// BumpAccessOrder increments userID's AccessOrder so that future
// find-access-user scans on its port try it first.
func (r *Registry) BumpAccessOrder(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return
	}
	u.AccessOrder++
}

// DrainNeedSync atomically returns copies of every user with
// NeedSync = true, then resets IPList/UploadBytes/DownloadBytes to zero
// and clears NeedSync on each. TCPConnNum is left untouched: it reflects
// live connections, not a per-window counter.
func (r *Registry) DrainNeedSync() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*User
	for _, u := range r.users {
		if !u.NeedSync {
			continue
		}
		out = append(out, u.clone())
		u.IPList = make(map[string]struct{})
		u.UploadBytes = 0
		u.DownloadBytes = 0
		u.NeedSync = false
	}
	return out
}
