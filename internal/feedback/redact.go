// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package feedback

import "regexp"

const redacted = "[REDACTED]"

var (
	assignedSecret = regexp.MustCompile(`(?i)\b((?:api[_-]?key|secret|token|password|passwd)\s*[=:]\s*)[^\s,;]+`)
	bearerToken    = regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`)
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}`),
		regexp.MustCompile(`\brzp_(?:live|test)_[A-Za-z0-9]{8,}`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	}
)

// Redact masks credentials people paste into questions and comments
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = assignedSecret.ReplaceAllString(s, "${1}"+redacted)
	s = bearerToken.ReplaceAllString(s, "${1}"+redacted)
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
