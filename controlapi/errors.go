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

import "errors"

var (
	errMethodNotAllowed = errors.New("method not allowed")
	errInvalidUserID     = errors.New("invalid user id")
	errUserNotFound      = errors.New("user not found")
	errInvalidPort       = errors.New("invalid port")
)
