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
	"net"
	"testing"

	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

func twoUsers() []Data {
	return []Data{
		{UserID: 1, Port: 8000, Method: shadowsocks.MethodAES256GCM, Password: "a", Enable: true},
		{UserID: 2, Port: 8001, Method: shadowsocks.MethodAES256GCM, Password: "b", Enable: true},
	}
}

func TestUpsertDoesNotTouchAccounting(t *testing.T) {
	r := New()
	if err := r.Upsert(Data{UserID: 1, Port: 8000, Method: shadowsocks.MethodAES256GCM, Password: "a", Enable: true}); err != nil {
		t.Fatal(err)
	}
	r.RecordTraffic(1, 100, 200)
	if err := r.Upsert(Data{UserID: 1, Port: 8001, Method: shadowsocks.MethodAES256GCM, Password: "a2", Enable: true}); err != nil {
		t.Fatal(err)
	}
	u := r.Get(1)
	if u.Port != 8001 || u.Password != "a2" {
		t.Fatalf("upsert did not apply updatable fields: %+v", u)
	}
	if u.UploadBytes != 100 || u.DownloadBytes != 200 {
		t.Fatalf("upsert touched accounting fields: %+v", u)
	}
}

func TestBulkReconcileIdempotent(t *testing.T) {
	r := New()
	list := twoUsers()
	if _, err := r.BulkReconcile(list); err != nil {
		t.Fatal(err)
	}
	r.RecordTraffic(1, 10, 20)
	if _, err := r.BulkReconcile(list); err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 users, got %d", len(r.List()))
	}
	if r.Get(1).UploadBytes != 10 {
		t.Fatalf("reconcile clobbered accounting on a no-op pass")
	}

	drained := r.DrainNeedSync()
	if len(drained) != 1 || drained[0].UserID != 1 {
		t.Fatalf("expected exactly user 1 to need sync, got %+v", drained)
	}

	if _, err := r.BulkReconcile(list); err != nil {
		t.Fatal(err)
	}
	if got := r.DrainNeedSync(); len(got) != 0 {
		t.Fatalf("drain after an unchanged reconcile should be empty, got %+v", got)
	}
}

func TestBulkReconcileDeletesAbsentUsers(t *testing.T) {
	r := New()
	if _, err := r.BulkReconcile(twoUsers()); err != nil {
		t.Fatal(err)
	}
	result, err := r.BulkReconcile(twoUsers()[:1])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := result.ChangedPorts[8001]; !ok {
		t.Fatalf("expected port 8001 to be reported changed, got %+v", result.ChangedPorts)
	}
	if r.Get(2) != nil {
		t.Fatalf("user 2 should have been deleted")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 remaining user, got %d", len(r.List()))
	}
}

func TestListByPortOrdersByAccessOrderDescending(t *testing.T) {
	r := New()
	users := []Data{
		{UserID: 1, Port: 9000, Method: shadowsocks.MethodAES256GCM, Password: "a", Enable: true},
		{UserID: 2, Port: 9000, Method: shadowsocks.MethodAES256GCM, Password: "b", Enable: true},
		{UserID: 3, Port: 9000, Method: shadowsocks.MethodAES256GCM, Password: "c", Enable: true},
	}
	if _, err := r.BulkReconcile(users); err != nil {
		t.Fatal(err)
	}
	r.BumpAccessOrder(2)
	r.BumpAccessOrder(2)
	r.BumpAccessOrder(3)

	list := r.ListByPort(9000)
	if len(list) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(list))
	}
	if list[0].UserID != 2 {
		t.Fatalf("expected user 2 first (access_order=2), got %d", list[0].UserID)
	}
	if list[1].UserID != 3 {
		t.Fatalf("expected user 3 second (access_order=1), got %d", list[1].UserID)
	}
}

func TestAccountingSaturatesAtZero(t *testing.T) {
	r := New()
	if err := r.Upsert(Data{UserID: 1, Port: 8000, Method: shadowsocks.MethodNone, Enable: true}); err != nil {
		t.Fatal(err)
	}
	r.IncrTCP(1, -5)
	if got := r.Get(1).TCPConnNum; got != 0 {
		t.Fatalf("expected tcp_conn_num to saturate at 0, got %d", got)
	}
}

func TestRecordIPMarksNeedSync(t *testing.T) {
	r := New()
	if err := r.Upsert(Data{UserID: 1, Port: 8000, Method: shadowsocks.MethodNone, Enable: true}); err != nil {
		t.Fatal(err)
	}
	r.RecordIP(1, net.ParseIP("203.0.113.5"))
	u := r.Get(1)
	if !u.NeedSync {
		t.Fatal("expected NeedSync to be set")
	}
	if _, ok := u.IPList["203.0.113.5"]; !ok {
		t.Fatalf("expected IP recorded, got %+v", u.IPList)
	}
}
