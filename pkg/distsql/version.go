// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/distsqlpb"
)

// Version identifies the version of the flow protocol and execution
// semantics spoken by this node.
//
// ATTENTION: When updating these fields, add a brief description of what
// changed to the version history below.
//
// VERSION HISTORY
//
// Please add new entries at the top.
//
//   - Version: 2 (MinAcceptedVersion: 1)
//     Zero-column rows are represented by a count instead of raw bytes.
//
//   - Version: 1 (MinAcceptedVersion: 1)
//     Initial version.
const Version distsqlpb.DistSQLVersion = 2

// MinAcceptedVersion is the oldest version that the server is compatible
// with; a server will not accept flows with older versions.
const MinAcceptedVersion distsqlpb.DistSQLVersion = 1

// NodeStatus is a snapshot of the flow-protocol state a node advertises to
// its peers: its version window and whether it is draining. How the snapshot
// travels between nodes (gossip, a membership service) is up to the embedder.
type NodeStatus struct {
	Version            distsqlpb.DistSQLVersion
	MinAcceptedVersion distsqlpb.DistSQLVersion

	// Draining is set when the node stopped accepting new flows in
	// preparation for shutdown.
	Draining bool
}

// NodeStatusReader provides read-only access to the last known status of
// remote nodes. Implementations are provided by the embedder.
type NodeStatusReader interface {
	// NodeStatus returns the last advertised status of the given node. The
	// second return value is false if nothing is known about the node.
	NodeStatus(nodeID base.NodeID) (NodeStatus, bool)
}

// CompatibleVersions returns true if the two nodes can schedule flows on
// each other: each node's version must be inside the other's accepted
// window. The check is symmetric so that it does not matter which node plans
// and which node runs.
func CompatibleVersions(remote NodeStatus) bool {
	return remote.Version >= MinAcceptedVersion && Version >= remote.MinAcceptedVersion
}

// CanScheduleOnNode returns true if a flow planned by this node can be
// scheduled on the node with the given status: the versions must be
// compatible and the node must not be draining.
func CanScheduleOnNode(remote NodeStatus) bool {
	return CompatibleVersions(remote) && !remote.Draining
}
