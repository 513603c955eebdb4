// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package replmeta defines the replica set configuration and the
// replication metadata exchanged with sync sources.
package replmeta

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Member is a member of a replica set.
type Member struct {
	ID    int    `yaml:"id"`
	Host  string `yaml:"host"`
	Votes int    `yaml:"votes"`
}

// ReplSetConfig is the replica set configuration.
type ReplSetConfig struct {
	Name            string        `yaml:"name"`
	Version         int64         `yaml:"version"`
	ProtocolVersion int64         `yaml:"protocol_version"`
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	Members         []Member      `yaml:"members"`
}

// DefaultElectionTimeout is the election timeout of a config that does not
// set one.
const DefaultElectionTimeout = 10 * time.Second

// IsInitialized returns whether the config is fully populated.
func (c *ReplSetConfig) IsInitialized() bool {
	return c.Name != "" && c.Version > 0 && len(c.Members) > 0
}

// Validate checks the config for consistency.
func (c *ReplSetConfig) Validate() error {
	if !c.IsInitialized() {
		return errors.New("uninitialized replica set configuration")
	}
	if c.ProtocolVersion != 0 && c.ProtocolVersion != 1 {
		return errors.Newf("unsupported protocol version %d", c.ProtocolVersion)
	}
	seen := map[string]bool{}
	for _, m := range c.Members {
		if m.Host == "" {
			return errors.Newf("member %d has no host", m.ID)
		}
		if seen[m.Host] {
			return errors.Newf("duplicate member host %s", m.Host)
		}
		seen[m.Host] = true
	}
	return nil
}

// ElectionTimeoutPeriod returns the election timeout, defaulted.
func (c *ReplSetConfig) ElectionTimeoutPeriod() time.Duration {
	if c.ElectionTimeout <= 0 {
		return DefaultElectionTimeout
	}
	return c.ElectionTimeout
}

// FindMemberIndexByHost returns the index of the member with the given host,
// or -1.
func (c *ReplSetConfig) FindMemberIndexByHost(host string) int {
	for i := range c.Members {
		if c.Members[i].Host == host {
			return i
		}
	}
	return -1
}

// VotingMembers returns the number of members with a vote.
func (c *ReplSetConfig) VotingMembers() int {
	n := 0
	for _, m := range c.Members {
		if m.Votes > 0 {
			n++
		}
	}
	return n
}

// MajorityVoteCount returns the number of voting members that constitute a
// majority.
func (c *ReplSetConfig) MajorityVoteCount() int {
	return c.VotingMembers()/2 + 1
}
