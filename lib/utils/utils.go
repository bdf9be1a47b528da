/*
Copyright 2025 TermGate Authors

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

// Package utils holds small helpers shared across termgate packages.
package utils

import (
	"net"
	"net/http"
	"os"
	"strings"
)

// IsDir is a helper function to quickly check if a given path is a valid directory
func IsDir(dirPath string) bool {
	fi, err := os.Stat(dirPath)
	if err == nil {
		return fi.IsDir()
	}
	return false
}

// ClientIP returns the address of the requesting client. When trustProxy is
// positive, the X-Forwarded-For header is consulted and the entry that many
// hops from the end of the list wins, so only addresses appended by trusted
// proxies are believed.
func ClientIP(r *http.Request, trustProxy int) string {
	if trustProxy > 0 {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			hops := strings.Split(fwd, ",")
			idx := len(hops) - trustProxy
			if idx < 0 {
				idx = 0
			}
			if ip := strings.TrimSpace(hops[idx]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
