// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package base

import "fmt"

// NodeID is a custom type for a cluster node ID. A NodeID of 0 means "no
// node".
type NodeID int32

// String implements fmt.Stringer.
func (n NodeID) String() string {
	return fmt.Sprintf("n%d", int32(n))
}
