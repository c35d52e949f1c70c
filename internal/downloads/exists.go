// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloads

import "os"

func defaultExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
