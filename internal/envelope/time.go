// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package envelope

import "time"

// isoNow formats the current instant as a UTC ISO-8601 string, the wire
// format mandated for every timestamp field.
func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
