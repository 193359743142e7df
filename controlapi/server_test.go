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

package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/outline-multiuser/ssrelay/cipherman"
	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/replay"
)

func newTestServer() (*httptest.Server, *registry.Registry) {
	reg := registry.New()
	cm := cipherman.New(reg, replay.NewDefault())
	api := New(reg, cm)
	return httptest.NewServer(api.Handler()), reg
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateGetDeleteUser(t *testing.T) {
	srv, reg := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(userRequest{
		UserID: 7, Port: 8000, Method: "aes-256-gcm", Password: "pw", Enable: true,
	})
	resp, err := http.Post(srv.URL+"/users", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if reg.Get(7) == nil {
		t.Fatal("expected user 7 to exist in the registry")
	}

	getResp, err := http.Get(srv.URL + "/users/7")
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var view userView
	if err := json.NewDecoder(getResp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.UserID != 7 || view.Port != 8000 {
		t.Fatalf("unexpected user view: %+v", view)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/users/7", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}
	if reg.Get(7) != nil {
		t.Fatal("expected user 7 to be removed")
	}
}

func TestGetUnknownUserIs404(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRejectsUnsupportedMethod(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(userRequest{UserID: 1, Port: 8000, Method: "rc4-md5", Enable: true})
	resp, err := http.Post(srv.URL+"/users", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported method, got %d", resp.StatusCode)
	}
}
