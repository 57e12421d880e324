// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"fmt"
	"net"
	"strconv"
)

// =============================================================================
// Port Selection
// =============================================================================

const (
	// DefaultPublicPort is where port probing starts for the web port.
	DefaultPublicPort = 8080

	// DefaultDBPort is where port probing starts for the database port.
	DefaultDBPort = 3307

	// maxPortProbes bounds the scan above the preferred port.
	maxPortProbes = 200
)

// PickPort finds a usable host port at or above preferred.
//
// # Description
//
// Walks upward from the preferred port, skipping ports the taken
// predicate claims (typically ports already assigned to other records)
// and ports something on the host is currently listening on. The bind
// probe is advisory; the port can still be grabbed between selection
// and container start, which surfaces later as a classified port
// conflict.
//
// # Inputs
//
//   - preferred: First port to try, must be in the unprivileged range
//   - taken: Optional predicate for ports reserved by existing records
//
// # Outputs
//
//   - int: A port that was free at probe time
//   - error: When no port is found within the probe window
func PickPort(preferred int, taken func(int) bool) (int, error) {
	if preferred < 1024 || preferred > 65535 {
		return 0, fmt.Errorf("preferred port %d out of range", preferred)
	}

	for port := preferred; port <= 65535 && port < preferred+maxPortProbes; port++ {
		if taken != nil && taken(port) {
			continue
		}
		if !portFree(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", preferred, preferred+maxPortProbes-1)
}

// portFree reports whether the port accepts a localhost bind right now.
func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
