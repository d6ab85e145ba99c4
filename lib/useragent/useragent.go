/*
Copyright 2024 Outpost Technologies, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package useragent extracts device OS information from the user agent
// strings connecting agents report, e.g. "Mac OS/14.1 connlib/1.3.2".
package useragent

import "strings"

// OS parses the leading "<name>/<version>" product token of a user agent
// string. The OS name may itself contain spaces. Both values are empty when
// the string does not carry the token.
func OS(userAgent string) (name, version string) {
	userAgent = strings.TrimSpace(userAgent)
	slash := strings.Index(userAgent, "/")
	if slash <= 0 {
		return "", ""
	}
	name = userAgent[:slash]
	version = userAgent[slash+1:]
	if space := strings.IndexByte(version, ' '); space >= 0 {
		version = version[:space]
	}
	if version == "" {
		return "", ""
	}
	return name, version
}
