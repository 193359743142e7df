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

// Package controlapi is the thin JSON-over-HTTP control surface: user
// CRUD, a health check, and a find-access-user diagnostic, all delegating
// to the registry and cipherman rather than holding any state of their
// own. It stands in for the aioshadowsocks project's gRPC servicer
// (CreateUser/UpdateUser/GetUser/DeleteUser/InitUserServer/...); no RPC
// framework appears anywhere in this module's dependency pool, so the
// same operation set is exposed as plain HTTP handlers instead.
package controlapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	logging "github.com/op/go-logging"

	"github.com/outline-multiuser/ssrelay/cipherman"
	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

var log = logging.MustGetLogger("controlapi")

// API implements the control surface against a Registry and Manager.
type API struct {
	reg *registry.Registry
	cm  *cipherman.Manager
}

// New builds an API delegating to reg and cm.
func New(reg *registry.Registry, cm *cipherman.Manager) *API {
	return &API{reg: reg, cm: cm}
}

// Handler builds the http.Handler serving every control operation.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/users", a.handleUsers)
	mux.HandleFunc("/users/", a.handleUser)
	mux.HandleFunc("/find-access-user", a.handleFindAccessUser)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUsers serves GET /users (list) and POST /users (create/upsert).
func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, toUserViews(a.reg.List()))
	case http.MethodPost:
		var req userRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.reg.Upsert(req.toData()); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, toUserView(a.reg.Get(req.UserID)))
	default:
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

// handleUser serves GET/PUT/DELETE /users/{id}.
func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/users/")
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidUserID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		u := a.reg.Get(userID)
		if u == nil {
			writeError(w, http.StatusNotFound, errUserNotFound)
			return
		}
		writeJSON(w, http.StatusOK, toUserView(u))
	case http.MethodPut:
		var req userRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.UserID = userID
		if err := a.reg.Upsert(req.toData()); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserView(a.reg.Get(userID)))
	case http.MethodDelete:
		if _, err := a.reg.BulkReconcile(removingOne(a.reg, userID)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

// removingOne builds the desired-state list BulkReconcile needs to delete
// exactly one user: every current user except userID.
func removingOne(reg *registry.Registry, userID int64) []registry.Data {
	var out []registry.Data
	for _, u := range reg.List() {
		if u.UserID == userID {
			continue
		}
		out = append(out, registry.Data{
			UserID: u.UserID, Port: u.Port, Method: u.Method,
			Password: u.Password, Enable: u.Enable,
		})
	}
	return out
}

// handleFindAccessUser is a diagnostic: given a port, report which
// enabled users are registered on it and in what trial order they'd be
// tried, without performing any actual decryption.
func (a *API) handleFindAccessUser(w http.ResponseWriter, r *http.Request) {
	portStr := r.URL.Query().Get("port")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidPort)
		return
	}
	var enabled []*registry.User
	for _, u := range a.reg.ListByPort(uint16(port)) {
		if u.Enable {
			enabled = append(enabled, u)
		}
	}
	writeJSON(w, http.StatusOK, toUserViews(enabled))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("controlapi: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type userRequest struct {
	UserID   int64  `json:"user_id"`
	Port     uint16 `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
	Enable   bool   `json:"enable"`
}

func (req userRequest) toData() registry.Data {
	return registry.Data{
		UserID:   req.UserID,
		Port:     req.Port,
		Method:   shadowsocks.Method(req.Method),
		Password: req.Password,
		Enable:   req.Enable,
	}
}

type userView struct {
	UserID        int64    `json:"user_id"`
	Port          uint16   `json:"port"`
	Method        string   `json:"method"`
	Enable        bool     `json:"enable"`
	AccessOrder   int64    `json:"access_order"`
	UploadBytes   uint64   `json:"upload_bytes"`
	DownloadBytes uint64   `json:"download_bytes"`
	TCPConnNum    int32    `json:"tcp_conn_num"`
	IPList        []string `json:"ip_list"`
	UsedTraffic   string   `json:"used_traffic"`
}

func toUserView(u *registry.User) *userView {
	if u == nil {
		return nil
	}
	return &userView{
		UserID:        u.UserID,
		Port:          u.Port,
		Method:        string(u.Method),
		Enable:        u.Enable,
		AccessOrder:   u.AccessOrder,
		UploadBytes:   u.UploadBytes,
		DownloadBytes: u.DownloadBytes,
		TCPConnNum:    u.TCPConnNum,
		IPList:        u.IPStrings(),
		UsedTraffic:   u.HumanUsedTraffic(),
	}
}

func toUserViews(users []*registry.User) []*userView {
	out := make([]*userView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	return out
}
