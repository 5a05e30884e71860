/*
Copyright © 2024-2026 meshsync authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshsync/meshsync/internal/config"
)

func init() {
	rootCmd.AddCommand(topicCmd)
}

// topicCmd represents the topic command
var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Show the configured ntfy notification topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		cfg, err := config.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if cfg.Ntfy.Server == "" || cfg.Ntfy.Topic == "" {
			fmt.Println(color.HiBlackString("notifications are not configured"))
			return nil
		}
		fmt.Printf("%s/%s\n", strings.TrimRight(cfg.Ntfy.Server, "/"), cfg.Ntfy.Topic)
		return nil
	},
}
