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

// Package syncdriver periodically pulls the desired user list from a
// config Source, reconciles it into the registry, pushes accounting data
// collected since the last tick, and reports the change to a
// ReconcileListener so the proxy manager can open or close listeners.
package syncdriver

import (
	"context"
	"time"

	logging "github.com/op/go-logging"

	"github.com/outline-multiuser/ssrelay/registry"
)

var log = logging.MustGetLogger("syncdriver")

// Source pulls the desired user list and accepts an accounting push, per
// sync cycle. JSONSource and RemoteSource are the two implementations;
// both are grounded on the same pull-then-push cadence.
type Source interface {
	// FetchUsers returns the full desired user list for this cycle.
	FetchUsers(ctx context.Context) ([]registry.Data, error)
	// PushUsage reports accounting data collected since the last cycle.
	// It is not fatal if this fails: the next cycle's FetchUsers still
	// runs. The usage handed to a failed push has already been drained
	// from the registry and is not pushed again.
	PushUsage(ctx context.Context, users []*registry.User) error
}

// ReconcileListener is notified whenever a sync cycle changes the set of
// users, so the proxy manager can update its listeners in step.
type ReconcileListener interface {
	Reconcile(ports map[uint16]struct{})
}

// KeyCounter is notified of the current access-key and port counts after
// every sync cycle. metrics.ShadowsocksMetrics satisfies this with its
// SetNumAccessKeys method; it's spelled out narrowly here so syncdriver
// doesn't need to import the metrics package's Prometheus/GeoIP stack.
type KeyCounter interface {
	SetNumAccessKeys(numKeys, numPorts int)
}

// Driver runs the sync cadence: pull desired state, reconcile, drain and
// push usage, on every tick of an internal ticker.
type Driver struct {
	reg      *registry.Registry
	source   Source
	listener ReconcileListener
	interval time.Duration
	resync   chan struct{}
	counter  KeyCounter
}

// New creates a Driver that syncs reg against source every interval,
// notifying listener of every port-set change.
func New(reg *registry.Registry, source Source, listener ReconcileListener, interval time.Duration) *Driver {
	return &Driver{reg: reg, source: source, listener: listener, interval: interval, resync: make(chan struct{}, 1)}
}

// Run blocks, syncing once immediately and then on every tick of interval
// or whenever Resync is called, until ctx is canceled.
func (d *Driver) Run(ctx context.Context) {
	d.syncOnce(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.syncOnce(ctx)
		case <-d.resync:
			d.syncOnce(ctx)
		}
	}
}

// SetKeyCounter attaches a KeyCounter that gets the current access-key
// and port counts after every sync cycle. Optional: a Driver with none
// attached simply skips reporting them.
func (d *Driver) SetKeyCounter(c KeyCounter) {
	d.counter = c
}

// Resync requests an out-of-band sync cycle, without waiting for the
// next tick. Used to drive a SIGHUP-triggered config reload. Non-blocking:
// a request is dropped if one is already pending.
func (d *Driver) Resync() {
	select {
	case d.resync <- struct{}{}:
	default:
	}
}

func (d *Driver) syncOnce(ctx context.Context) {
	desired, err := d.source.FetchUsers(ctx)
	if err != nil {
		log.Errorf("sync: failed to fetch users: %v", err)
	} else {
		result, err := d.reg.BulkReconcile(desired)
		if err != nil {
			log.Errorf("sync: failed to reconcile %d users: %v", len(desired), err)
		} else {
			ports := d.reg.EnabledPorts()
			if d.counter != nil {
				d.counter.SetNumAccessKeys(len(d.reg.List()), len(ports))
			}
			if d.listener != nil && len(result.ChangedPorts) > 0 {
				d.listener.Reconcile(ports)
				log.Infof("sync: reconciled %d users, %d ports changed", len(desired), len(result.ChangedPorts))
			}
		}
	}

	dirty := d.reg.DrainNeedSync()
	if len(dirty) == 0 {
		return
	}
	if err := d.source.PushUsage(ctx, dirty); err != nil {
		log.Errorf("sync: failed to push usage for %d users: %v", len(dirty), err)
	}
}
