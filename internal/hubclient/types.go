// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hubclient

import "github.com/basalt-compute/noded/pkg/model"

// The wire shapes below are exchanged with the NodeDirectory service over
// the JSON codec registered in codec.go. They mirror the method and field
// names §4.6 gives the Hub Client's operations.

type loginRequest struct {
	Namespace string `json:"ns"`
	Database  string `json:"db"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type elevateRequest struct{}

type elevateResponse struct {
	Token string `json:"token"`
}

type releaseRequest struct {
	Token string `json:"token"`
}

type releaseResponse struct{}

type listModulesRequest struct {
	Kind model.ModuleKind `json:"kind"`
	Name string           `json:"name,omitempty"`
}

type listModulesResponse struct {
	Modules []model.Module `json:"modules"`
}

type createNodeRequest struct {
	Node model.NodeConfig `json:"node"`
}

type createNodeResponse struct {
	Node model.NodeConfig `json:"node"`
}

type getNodeRequest struct {
	ID string `json:"id"`
}

type getNodeResponse struct {
	Node model.NodeConfig `json:"node"`
}

type updateNodeRequest struct {
	ID   string           `json:"id"`
	Node model.NodeConfig `json:"node"`
}

type updateNodeResponse struct {
	Node model.NodeConfig `json:"node"`
}

type deleteNodeRequest struct {
	ID string `json:"id"`
}

type deleteNodeResponse struct {
	Deleted bool `json:"deleted"`
}

type registerUserRequest struct {
	PublicKey string `json:"public_key"`
}

type registerUserResponse struct {
	Consumer model.Consumer `json:"consumer"`
}

type checkUserRequest struct {
	PublicKey string `json:"public_key"`
}

type checkUserResponse struct {
	Consumer model.Consumer `json:"consumer"`
	Found    bool           `json:"found"`
}
