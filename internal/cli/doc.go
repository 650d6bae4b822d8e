// Copyright 2025 Tom Barlow
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

/*
Package cli provides the flowengine command tree.

# Command Tree

	flowengine
	├── run        Run one workflow execution to completion
	├── serve      Process queued executions until interrupted
	├── validate   Check workflow definition files
	└── version    Show version

Global flags:

	--config PATH   engine configuration file (YAML)
	-v, --verbose   debug logging

Commands that need workflow definitions read them from a directory of
*.yaml, *.yml and *.json files given by --definitions.
*/
package cli
