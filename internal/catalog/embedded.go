// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bridges the build system and the runtime catalog. The embed
directive bakes versions.yaml into the binary so a mooring install needs
no data files on disk and every build ships a consistent release list.
*/

package catalog

import (
	_ "embed"
)

// embeddedVersions holds the raw byte content of the versions.yaml file.
//
// Populated at compile time by the embed directive. Parse it with Load;
// nothing else should touch the raw bytes.
//
//go:embed versions.yaml
var embeddedVersions []byte
