// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package loopback connects oplog fetchers to oplog sources running in the
// same process. A Network resolves the target of each request to a
// registered Server and invokes it directly, without serializing the
// request beyond its BSON documents.
package loopback

import (
	"context"

	"github.com/cockroachdb/datamotion/pkg/repl/fetcher"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// ErrUnreachable is returned for requests to hosts without a registered
// server, or to a server that was partitioned away.
var ErrUnreachable = errors.New("host unreachable")

// NetworkTestingKnobs contains fault injection hooks.
type NetworkTestingKnobs struct {
	// BeforeCommand is called before a request is handed to its server. A
	// non-nil error fails the request as a transport error.
	BeforeCommand func(ctx context.Context, req fetcher.Request) error
}

// Network is a fetcher.Transport routing requests to in-process servers.
type Network struct {
	knobs NetworkTestingKnobs

	mu struct {
		syncutil.RWMutex
		servers     map[string]*Server
		partitioned map[string]bool
	}
}

var _ fetcher.Transport = (*Network)(nil)

// NewNetwork creates an empty network.
func NewNetwork(knobs NetworkTestingKnobs) *Network {
	n := &Network{knobs: knobs}
	n.mu.servers = make(map[string]*Server)
	n.mu.partitioned = make(map[string]bool)
	return n
}

// Register makes s reachable at its host, replacing any server registered
// there.
func (n *Network) Register(s *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mu.servers[s.Host()] = s
}

// Unregister removes the server at host.
func (n *Network) Unregister(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.mu.servers, host)
}

// SetPartitioned makes requests to host fail with ErrUnreachable until it
// is healed.
func (n *Network) SetPartitioned(host string, partitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if partitioned {
		n.mu.partitioned[host] = true
	} else {
		delete(n.mu.partitioned, host)
	}
}

func (n *Network) resolve(host string) (*Server, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.mu.servers[host]
	if !ok || n.mu.partitioned[host] {
		return nil, errors.Wrapf(ErrUnreachable, "%s", host)
	}
	return s, nil
}

// RunCommand implements fetcher.Transport.
func (n *Network) RunCommand(ctx context.Context, req fetcher.Request) (fetcher.Reply, error) {
	if fn := n.knobs.BeforeCommand; fn != nil {
		if err := fn(ctx, req); err != nil {
			return fetcher.Reply{}, err
		}
	}
	s, err := n.resolve(req.Target)
	if err != nil {
		return fetcher.Reply{}, err
	}
	if err := ctx.Err(); err != nil {
		return fetcher.Reply{}, err
	}
	log.VEventf(ctx, 3, "sending %s to %s", commandName(req.Command), req.Target)
	return s.RunCommand(ctx, req)
}
