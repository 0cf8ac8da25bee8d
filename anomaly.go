// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

// Non-fatal oddities the parser records while reading an image.
const (
	// AnoRelocEntriesBeyondLimits is reported when the relocation table
	// carries more entries than the configured maximum.
	AnoRelocEntriesBeyondLimits = "Relocation entries count beyond limits"

	// AnoReservedDataDirectoryEntry is reported when the reserved (16th)
	// data directory entry is in use.
	AnoReservedDataDirectoryEntry = "Reserved data directory entry in use"
)
