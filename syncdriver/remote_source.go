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

package syncdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

// RemoteSource pulls the desired user list from a remote control plane
// over HTTP and pushes traffic/online-IP accounting back to it, for
// multi-node deployments managed centrally.
type RemoteSource struct {
	BaseURL string
	Token   string
	NodeID  string
	Client  *http.Client
}

// NewRemoteSource builds a RemoteSource with a bounded per-request
// timeout.
func NewRemoteSource(baseURL, token, nodeID string) *RemoteSource {
	return &RemoteSource{
		BaseURL: baseURL,
		Token:   token,
		NodeID:  nodeID,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RemoteSource) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Content-Type", "application/json")
	return s.Client.Do(req)
}

type remoteUser struct {
	UserID   int64  `json:"user_id"`
	Port     uint16 `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
	Enable   bool   `json:"enable"`
}

// FetchUsers calls GET /users/nodes/{node_id}.
func (s *RemoteSource) FetchUsers(ctx context.Context) ([]registry.Data, error) {
	resp, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/users/nodes/%s", s.NodeID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching users for node %s: %w", s.NodeID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching users for node %s: status %d", s.NodeID, resp.StatusCode)
	}
	var remote []remoteUser
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, fmt.Errorf("decoding users for node %s: %w", s.NodeID, err)
	}
	out := make([]registry.Data, 0, len(remote))
	for _, u := range remote {
		out = append(out, registry.Data{
			UserID:   u.UserID,
			Port:     u.Port,
			Method:   shadowsocks.Method(u.Method),
			Password: u.Password,
			Enable:   u.Enable,
		})
	}
	return out, nil
}

type trafficEntry struct {
	UserID int64  `json:"user_id"`
	Up     uint64 `json:"u"`
	Down   uint64 `json:"d"`
}

// PushUsage posts accumulated traffic to /traffic/upload and per-user seen
// IPs to /nodes/aliveip.
func (s *RemoteSource) PushUsage(ctx context.Context, users []*registry.User) error {
	traffic := make([]trafficEntry, 0, len(users))
	ipData := make(map[string][]string, len(users))
	for _, u := range users {
		if u.UsedTraffic() == 0 {
			continue
		}
		traffic = append(traffic, trafficEntry{UserID: u.UserID, Up: u.UploadBytes, Down: u.DownloadBytes})
		ipData[fmt.Sprintf("%d", u.UserID)] = u.IPStrings()
	}

	if len(traffic) > 0 {
		resp, err := s.do(ctx, http.MethodPost, "/traffic/upload", map[string]interface{}{
			"node_id": s.NodeID,
			"data":    traffic,
		})
		if err != nil {
			return fmt.Errorf("pushing traffic for node %s: %w", s.NodeID, err)
		}
		resp.Body.Close()
	}

	resp, err := s.do(ctx, http.MethodPost, "/nodes/aliveip", map[string]interface{}{
		"node_id": s.NodeID,
		"data":    ipData,
	})
	if err != nil {
		return fmt.Errorf("pushing alive IPs for node %s: %w", s.NodeID, err)
	}
	resp.Body.Close()
	return nil
}
