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

// Package hubclient is the authenticated resolver the Run Engine uses to
// look up module metadata and the node uses to register itself with the
// federation's directory service (§4.6). It speaks gRPC against a
// NodeDirectory service using the package's own JSON codec (codec.go)
// rather than protoc-generated bindings, and generalizes the original's
// SurrealDB JWT-over-websocket session into a bearer-token interceptor,
// per Design Note "Context-managed acquisition -> scoped locks".
package hubclient

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/basalt-compute/noded/pkg/model"
)

var (
	// ErrAuthError is returned for credential or authorization failures.
	ErrAuthError = errors.New("hub authentication error")
	// ErrNotFound is returned when the directory has no matching record.
	ErrNotFound = errors.New("hub record not found")
	// ErrTransportError is returned for connectivity/timeout failures
	// talking to the Hub.
	ErrTransportError = errors.New("hub transport error")
)

const (
	serviceName = "directory.NodeDirectory"
	dialTimeout = 10 * time.Second
)

func fq(method string) string {
	return "/" + serviceName + "/" + method
}

// Client is an authenticated connection to the module-hub directory
// service. The zero value is not usable; construct with New.
type Client struct {
	conn *grpc.ClientConn
	ns   string
	db   string

	mu    sync.RWMutex
	token string
}

// New dials target and returns a Client. It does not authenticate; call
// Login before any other operation.
func New(target string) (*Client, error) {
	c := &Client{}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithChainUnaryInterceptor(c.authInterceptor),
	)
	if err != nil {
		return nil, errors.Wrapf(ErrTransportError, "dialing hub %s: %v", target, err)
	}
	c.conn = conn
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authInterceptor injects the client's current bearer token (or a
// request-scoped elevated token set by WithRootUser) as outgoing metadata
// on every unary call.
func (c *Client) authInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	token := c.bearerToken(ctx)
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

type rootTokenKey struct{}

func (c *Client) bearerToken(ctx context.Context) string {
	if t, ok := ctx.Value(rootTokenKey{}).(string); ok && t != "" {
		return t
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login authenticates against the directory's (ns, db) and stores the
// resulting session token for subsequent calls.
func (c *Client) Login(ctx context.Context, ns, db, username, password string) error {
	req := loginRequest{Namespace: ns, Database: db, Username: username, Password: password}
	var resp loginResponse
	if err := c.conn.Invoke(ctx, fq("Login"), &req, &resp); err != nil {
		return translateErr(err, "login")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.ns, c.db = ns, db
	c.mu.Unlock()
	return nil
}

// WithRootUser acquires a privileged, scoped elevation token (used for
// operations like secret storage) and returns a context carrying it plus a
// release function. The release function must be called on every exit
// path, including error returns from the caller; it is always safe to call
// more than once.
func (c *Client) WithRootUser(ctx context.Context) (context.Context, func(), error) {
	var resp elevateResponse
	if err := c.conn.Invoke(ctx, fq("ElevateRootUser"), &elevateRequest{}, &resp); err != nil {
		return ctx, func() {}, translateErr(err, "elevate root user")
	}
	elevated := context.WithValue(ctx, rootTokenKey{}, resp.Token)

	var released bool
	var mu sync.Mutex
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		_ = c.conn.Invoke(releaseCtx, fq("ReleaseRootUser"), &releaseRequest{Token: resp.Token}, &releaseResponse{})
	}
	return elevated, release, nil
}

// ListModules resolves modules of kind, optionally filtered by exact name.
func (c *Client) ListModules(ctx context.Context, kind model.ModuleKind, name string) ([]model.Module, error) {
	req := listModulesRequest{Kind: kind, Name: name}
	var resp listModulesResponse
	if err := c.conn.Invoke(ctx, fq("ListModules"), &req, &resp); err != nil {
		return nil, translateErr(err, "list modules")
	}
	return resp.Modules, nil
}

// ResolveModule satisfies engine.HubClient: it looks up the single module
// named name of the given kind, failing with ErrNotFound if the directory
// has none or more than one (an ambiguous directory response is as
// unusable to the Engine as a missing one).
func (c *Client) ResolveModule(ctx context.Context, kind model.ModuleKind, name string) (model.Module, error) {
	modules, err := c.ListModules(ctx, kind, name)
	if err != nil {
		return model.Module{}, err
	}
	if len(modules) == 0 {
		return model.Module{}, errors.Wrapf(ErrNotFound, "module %s/%s", kind, name)
	}
	if len(modules) > 1 {
		return model.Module{}, errors.Wrapf(ErrNotFound, "module %s/%s: %d matches", kind, name, len(modules))
	}
	return modules[0], nil
}

// CreateNode registers config with the directory and returns the
// server-assigned copy.
func (c *Client) CreateNode(ctx context.Context, cfg model.NodeConfig) (model.NodeConfig, error) {
	var resp createNodeResponse
	if err := c.conn.Invoke(ctx, fq("CreateNode"), &createNodeRequest{Node: cfg}, &resp); err != nil {
		return model.NodeConfig{}, translateErr(err, "create node")
	}
	return resp.Node, nil
}

// GetNode fetches the node config persisted under id.
func (c *Client) GetNode(ctx context.Context, id string) (model.NodeConfig, error) {
	var resp getNodeResponse
	if err := c.conn.Invoke(ctx, fq("GetNode"), &getNodeRequest{ID: id}, &resp); err != nil {
		return model.NodeConfig{}, translateErr(err, "get node")
	}
	return resp.Node, nil
}

// UpdateNode overwrites the node config persisted under id.
func (c *Client) UpdateNode(ctx context.Context, id string, cfg model.NodeConfig) (model.NodeConfig, error) {
	var resp updateNodeResponse
	if err := c.conn.Invoke(ctx, fq("UpdateNode"), &updateNodeRequest{ID: id, Node: cfg}, &resp); err != nil {
		return model.NodeConfig{}, translateErr(err, "update node")
	}
	return resp.Node, nil
}

// DeleteNode removes the node config persisted under id.
func (c *Client) DeleteNode(ctx context.Context, id string) (bool, error) {
	var resp deleteNodeResponse
	if err := c.conn.Invoke(ctx, fq("DeleteNode"), &deleteNodeRequest{ID: id}, &resp); err != nil {
		return false, translateErr(err, "delete node")
	}
	return resp.Deleted, nil
}

// RegisterUser creates (or returns the existing) consumer for publicKey.
func (c *Client) RegisterUser(ctx context.Context, publicKey string) (model.Consumer, error) {
	var resp registerUserResponse
	if err := c.conn.Invoke(ctx, fq("RegisterUser"), &registerUserRequest{PublicKey: publicKey}, &resp); err != nil {
		return model.Consumer{}, translateErr(err, "register user")
	}
	return resp.Consumer, nil
}

// CheckUser is a pure lookup of the consumer for publicKey.
func (c *Client) CheckUser(ctx context.Context, publicKey string) (model.Consumer, bool, error) {
	var resp checkUserResponse
	if err := c.conn.Invoke(ctx, fq("CheckUser"), &checkUserRequest{PublicKey: publicKey}, &resp); err != nil {
		return model.Consumer{}, false, translateErr(err, "check user")
	}
	return resp.Consumer, resp.Found, nil
}

// translateErr maps a gRPC status into the package's sentinel error kinds
// per §4.6 ("All methods fail fast with AuthError, NotFound, or
// TransportError").
func translateErr(err error, op string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(ErrTransportError, "%s: %v", op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.Wrapf(ErrAuthError, "%s: %s", op, st.Message())
	case codes.NotFound:
		return errors.Wrapf(ErrNotFound, "%s: %s", op, st.Message())
	default:
		return errors.Wrapf(ErrTransportError, "%s: %s", op, st.Message())
	}
}
