// Copyright 2025 The serverd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/serverd/serverd/common"
)

var rootCmd = &cobra.Command{
	Use:   common.App,
	Short: "A multi-protocol HTTP server for high-concurrency workloads",
	Long: `serverd is a multi-protocol HTTP origin server. It serves HTTP/1.1,
HTTP/2 (including h2c) and WebSocket on a single port, with a static
file tree and routed handlers behind a shared rate limiter.`,
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
