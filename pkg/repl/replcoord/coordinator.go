// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package replcoord tracks the replication state of the local node: its
// role, the replica set configuration, the positions applied by each member
// and the commit point. It decides whether the node accepts writes, waits
// for writes to replicate, and judges sync sources for the oplog fetcher.
package replcoord

import (
	"context"
	"time"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
)

// ErrWriteConcernTimeout is returned by AwaitReplication when the write
// concern is not satisfied in time.
var ErrWriteConcernTimeout = errors.New("waiting for replication timed out")

// localDB is the database whose collections are never replicated and
// always accept writes.
const localDB = "local"

// WriteConcern describes how many members must apply a write.
type WriteConcern struct {
	// W is the number of members, zero meaning a majority of the voting
	// members.
	W int
	// Timeout bounds the wait. Zero waits until the context is done.
	Timeout time.Duration
}

// MajorityWriteConcern waits for a majority of the voting members.
func MajorityWriteConcern(timeout time.Duration) WriteConcern {
	return WriteConcern{Timeout: timeout}
}

// LocalOplog reports the newest entry of the local oplog.
type LocalOplog interface {
	LastOplogPosition() docpb.LogPosition
}

// Config configures a Coordinator.
type Config struct {
	ReplSet replmeta.ReplSetConfig
	// Self is the host of the local node in ReplSet.
	Self string
	// Local is the oplog of the local node. Its newest entry counts as
	// applied by the local node.
	Local LocalOplog
	// MaxSyncSourceLag is how far a sync source may trail the most
	// advanced known member.
	MaxSyncSourceLag time.Duration
	Metrics          *Metrics
}

// Coordinator is the replication state of the local node.
type Coordinator struct {
	self             string
	local            LocalOplog
	maxSyncSourceLag time.Duration
	metrics          *Metrics

	mu struct {
		syncutil.Mutex
		config  replmeta.ReplSetConfig
		term    int64
		primary bool
		// primaryIndex is the member index of the known primary, or
		// replmeta.NoMember.
		primaryIndex    int
		syncSourceIndex int
		lastCommitted   docpb.OpTime
		applied         map[string]docpb.OpTime
		// changed is closed and replaced when applied positions or the
		// commit point move.
		changed chan struct{}
	}
}

// New creates a coordinator for the local node cfg.Self, initially a
// secondary in term 0 (or without terms under protocol version 0).
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.ReplSet.Validate(); err != nil {
		return nil, err
	}
	selfIndex := cfg.ReplSet.FindMemberIndexByHost(cfg.Self)
	if selfIndex < 0 {
		return nil, errors.Newf("%s is not a member of replica set %s", cfg.Self, cfg.ReplSet.Name)
	}
	c := &Coordinator{
		self:             cfg.Self,
		local:            cfg.Local,
		maxSyncSourceLag: cfg.MaxSyncSourceLag,
		metrics:          cfg.Metrics,
	}
	if c.metrics == nil {
		c.metrics = MakeMetrics()
	}
	c.mu.config = cfg.ReplSet
	if cfg.ReplSet.ProtocolVersion == 0 {
		c.mu.term = docpb.UninitializedTerm
	}
	c.mu.primaryIndex = replmeta.NoMember
	c.mu.syncSourceIndex = replmeta.NoMember
	c.mu.applied = make(map[string]docpb.OpTime)
	c.mu.changed = make(chan struct{})
	return c, nil
}

// Self returns the host of the local node.
func (c *Coordinator) Self() string {
	return c.self
}

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Config returns the current replica set configuration.
func (c *Coordinator) Config() replmeta.ReplSetConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.config
}

// SetConfig installs a new replica set configuration. The local node must
// remain a member.
func (c *Coordinator) SetConfig(ctx context.Context, cfg replmeta.ReplSetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.FindMemberIndexByHost(c.self) < 0 {
		return errors.Newf("%s is not a member of replica set %s", c.self, cfg.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Version <= c.mu.config.Version {
		return errors.Newf("config version %d is not newer than %d", cfg.Version, c.mu.config.Version)
	}
	c.mu.config = cfg
	c.mu.primaryIndex = replmeta.NoMember
	c.mu.syncSourceIndex = replmeta.NoMember
	if c.mu.primary {
		c.mu.primaryIndex = cfg.FindMemberIndexByHost(c.self)
	}
	c.notifyLocked()
	log.Infof(ctx, "installed replica set config version %d with %d members", cfg.Version, len(cfg.Members))
	return nil
}

// StepUp makes the local node primary in a new term.
func (c *Coordinator) StepUp(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.term != docpb.UninitializedTerm {
		c.mu.term++
	}
	c.mu.primary = true
	c.mu.primaryIndex = c.mu.config.FindMemberIndexByHost(c.self)
	c.mu.syncSourceIndex = replmeta.NoMember
	log.Infof(ctx, "stepped up to primary in term %d", c.mu.term)
}

// StepDown makes the local node a secondary. Writes are refused from then
// on.
func (c *Coordinator) StepDown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepDownLocked(ctx)
}

func (c *Coordinator) stepDownLocked(ctx context.Context) {
	if !c.mu.primary {
		return
	}
	c.mu.primary = false
	c.mu.primaryIndex = replmeta.NoMember
	log.Infof(ctx, "stepped down in term %d", c.mu.term)
}

// IsPrimary returns whether the local node is primary.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.primary
}

// Term returns the current term.
func (c *Coordinator) Term() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.term
}

// SetSyncSource records the member the local node replicates from. An
// empty host clears it.
func (c *Coordinator) SetSyncSource(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.syncSourceIndex = replmeta.NoMember
	if host != "" {
		c.mu.syncSourceIndex = c.mu.config.FindMemberIndexByHost(host)
	}
}

// CanAcceptWritesFor returns whether writes to ns are allowed on the local
// node: it is primary, or ns is not replicated.
func (c *Coordinator) CanAcceptWritesFor(ns docpb.Namespace) bool {
	if ns.DB == localDB {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.primary
}

// SetMemberApplied records that the member host has applied every
// operation up to opTime. Positions only move forward.
func (c *Coordinator) SetMemberApplied(host string, opTime docpb.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.mu.applied[host]; ok && !prev.Less(opTime) {
		return
	}
	c.mu.applied[host] = opTime
	c.advanceCommitPointLocked()
	c.notifyLocked()
}

// appliedLocked returns the position applied by host.
func (c *Coordinator) appliedLocked(host string) docpb.OpTime {
	applied := c.mu.applied[host]
	if host == c.self && c.local != nil {
		if last := c.local.LastOplogPosition().OpTime; applied.Less(last) {
			applied = last
		}
	}
	return applied
}

// advanceCommitPointLocked moves the commit point to the newest position
// applied by a majority of the voting members.
func (c *Coordinator) advanceCommitPointLocked() {
	var positions []docpb.OpTime
	for _, m := range c.mu.config.Members {
		if m.Votes > 0 {
			positions = append(positions, c.appliedLocked(m.Host))
		}
	}
	majority := c.mu.config.MajorityVoteCount()
	if len(positions) < majority {
		return
	}
	// Sort descending; the majority-th position is applied by a majority.
	for i := 1; i < len(positions); i++ {
		for j := i; j > 0 && positions[j-1].Less(positions[j]); j-- {
			positions[j-1], positions[j] = positions[j], positions[j-1]
		}
	}
	if committed := positions[majority-1]; c.mu.lastCommitted.Less(committed) {
		c.mu.lastCommitted = committed
	}
}

func (c *Coordinator) notifyLocked() {
	close(c.mu.changed)
	c.mu.changed = make(chan struct{})
}

// LastCommittedOpTime returns the commit point.
func (c *Coordinator) LastCommittedOpTime() docpb.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.lastCommitted
}

// AwaitReplication waits until opTime has been applied by the members wc
// asks for. It returns an error marked ErrWriteConcernTimeout if wc.Timeout
// elapses first, and the context's error if it is done first.
func (c *Coordinator) AwaitReplication(
	ctx context.Context, opTime docpb.OpTime, wc WriteConcern,
) error {
	c.metrics.WriteConcernWaits.Inc(1)
	start := timeutil.Now()
	defer func() {
		c.metrics.WriteConcernWaitLatency.RecordValue(timeutil.Since(start).Nanoseconds())
	}()

	var timer timeutil.Timer
	defer timer.Stop()
	if wc.Timeout > 0 {
		timer.Reset(wc.Timeout)
	}
	for {
		c.mu.Lock()
		satisfied, have, need := c.satisfiedLocked(opTime, wc)
		changed := c.mu.changed
		c.mu.Unlock()
		if satisfied {
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			c.metrics.WriteConcernTimeouts.Inc(1)
			return errors.Wrapf(ErrWriteConcernTimeout,
				"%s applied by %d of %d required members after %s", opTime, have, need, wc.Timeout)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for replication of %s", opTime)
		}
	}
}

func (c *Coordinator) satisfiedLocked(
	opTime docpb.OpTime, wc WriteConcern,
) (ok bool, have int, need int) {
	need = wc.W
	majority := need == 0
	if majority {
		need = c.mu.config.MajorityVoteCount()
	}
	for _, m := range c.mu.config.Members {
		if majority && m.Votes == 0 {
			continue
		}
		if !c.appliedLocked(m.Host).Less(opTime) {
			have++
		}
	}
	return have >= need, have, need
}

// CurrentTermAndLastCommittedOpTime returns the current term and the commit
// point.
func (c *Coordinator) CurrentTermAndLastCommittedOpTime() (int64, docpb.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.term, c.mu.lastCommitted
}

// ProcessMetadata incorporates the metadata returned by a sync source: a
// newer term makes the local node step down, and the source's commit point
// is adopted if it is ahead.
func (c *Coordinator) ProcessMetadata(
	ctx context.Context, rs replmeta.ReplSetMetadata, oq *replmeta.OplogQueryMetadata,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.term != docpb.UninitializedTerm && rs.Term > c.mu.term {
		log.Infof(ctx, "updating term from %d to %d", c.mu.term, rs.Term)
		c.mu.term = rs.Term
		c.stepDownLocked(ctx)
	}
	if rs.ConfigVersion == c.mu.config.Version && !c.mu.primary {
		c.mu.primaryIndex = rs.PrimaryIndex
	}
	committed := rs.LastOpCommitted
	if oq != nil && committed.Less(oq.LastOpCommitted) {
		committed = oq.LastOpCommitted
	}
	if c.mu.lastCommitted.Less(committed) {
		c.mu.lastCommitted = committed
		c.notifyLocked()
	}
}

// ShouldStopFetching returns whether source is no longer a valid sync
// source: it left the config, its config differs from ours, it neither is
// primary nor has a sync source while another member is ahead of it, or it
// lags the most advanced known member by more than the maximum lag.
func (c *Coordinator) ShouldStopFetching(
	ctx context.Context, source string, rs replmeta.ReplSetMetadata, oq *replmeta.OplogQueryMetadata,
) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := func(format string, args ...interface{}) bool {
		c.metrics.SyncSourceRejections.Inc(1)
		log.Infof(ctx, "choosing new sync source because "+format, args...)
		return true
	}

	if c.mu.config.FindMemberIndexByHost(source) < 0 {
		return stop("%s is not in our config version %d", source, c.mu.config.Version)
	}
	if rs.ConfigVersion != c.mu.config.Version {
		return stop("the config version of %s is %d and ours is %d",
			source, rs.ConfigVersion, c.mu.config.Version)
	}

	sourceLastOp, primaryIndex, syncSourceIndex := rs.LastOpVisible, rs.PrimaryIndex, rs.SyncSourceIndex
	if oq != nil {
		sourceLastOp, primaryIndex, syncSourceIndex = oq.LastOpApplied, oq.PrimaryIndex, oq.SyncSourceIndex
	}
	var best docpb.OpTime
	var bestHost string
	for _, m := range c.mu.config.Members {
		if m.Host == source {
			continue
		}
		if applied := c.appliedLocked(m.Host); best.Less(applied) {
			best, bestHost = applied, m.Host
		}
	}
	if primaryIndex == replmeta.NoMember && syncSourceIndex == replmeta.NoMember &&
		sourceLastOp.Less(best) {
		return stop("%s is neither primary nor syncing from anyone and %s is ahead of it (%s > %s)",
			source, bestHost, best, sourceLastOp)
	}
	if c.maxSyncSourceLag > 0 && sourceLastOp.Less(best) {
		lag := time.Duration(int64(best.TS.T)-int64(sourceLastOp.TS.T)) * time.Second
		if lag > c.maxSyncSourceLag {
			return stop("%s is %s behind %s, more than the maximum lag of %s",
				source, lag, bestHost, c.maxSyncSourceLag)
		}
	}
	return false
}

// ReplSetMetadata returns the metadata the local node attaches to replies
// when serving as a sync source.
func (c *Coordinator) ReplSetMetadata() replmeta.ReplSetMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return replmeta.ReplSetMetadata{
		Term:            c.mu.term,
		LastOpCommitted: c.mu.lastCommitted,
		LastOpVisible:   c.appliedLocked(c.self),
		ConfigVersion:   c.mu.config.Version,
		PrimaryIndex:    c.mu.primaryIndex,
		SyncSourceIndex: c.mu.syncSourceIndex,
	}
}

// OplogQueryMetadata returns the metadata the local node attaches to oplog
// batches when serving as a sync source.
func (c *Coordinator) OplogQueryMetadata(rbid int) replmeta.OplogQueryMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return replmeta.OplogQueryMetadata{
		LastOpCommitted: c.mu.lastCommitted,
		LastOpApplied:   c.appliedLocked(c.self),
		RBID:            rbid,
		PrimaryIndex:    c.mu.primaryIndex,
		SyncSourceIndex: c.mu.syncSourceIndex,
	}
}
