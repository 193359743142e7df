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
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/outline-multiuser/ssrelay/registry"
	"github.com/outline-multiuser/ssrelay/shadowsocks"
)

// userRecord is the on-disk shape of one user in a JSON config file.
type userRecord struct {
	UserID   int64  `json:"user_id"`
	Port     uint16 `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
	Enable   bool   `json:"enable"`
}

type jsonConfig struct {
	Users []userRecord `json:"users"`
}

// JSONSource reads the desired user list from a local JSON file on every
// cycle, for single-node deployments with no remote control plane. It
// never pushes usage anywhere beyond logging it; standalone mode has no
// partner to report accounting to.
type JSONSource struct {
	Path string
}

// FetchUsers reads and parses Path.
func (s *JSONSource) FetchUsers(ctx context.Context) ([]registry.Data, error) {
	raw, err := ioutil.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	var cfg jsonConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	out := make([]registry.Data, 0, len(cfg.Users))
	for _, u := range cfg.Users {
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

// PushUsage logs each user's accumulated traffic; there's no remote system
// to report it to in standalone mode.
func (s *JSONSource) PushUsage(ctx context.Context, users []*registry.User) error {
	for _, u := range users {
		log.Infof("user %d used %s since last sync", u.UserID, u.HumanUsedTraffic())
	}
	return nil
}
