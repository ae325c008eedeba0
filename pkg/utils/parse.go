// Copyright The NPU Drivers Authors. All Rights Reserved.
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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses the given string as a boolean enabled/disabled state.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "enabled", "enable", "true", "on", "yes", "1":
		return true, nil
	case "disabled", "disable", "false", "off", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled value %q", value)
}
