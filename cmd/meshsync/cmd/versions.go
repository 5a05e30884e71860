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

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(versionsCmd)
}

// versionsCmd represents the versions command
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Show the latest synced version of each family",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		cfg, err := config.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		o, err := sync.NewOrchestrator(cfg, sync.Options{})
		if err != nil {
			return errors.Wrap(err, "failed to set up sync")
		}

		latest := o.LatestVersions()
		for _, family := range []string{"firmware", "firmware-prerelease", "android"} {
			ver := latest[family]
			if ver == "" {
				ver = color.HiBlackString("(never synced)")
			} else {
				ver = color.GreenString(ver)
			}
			fmt.Printf("%s %s\n", color.New(color.Bold).Sprintf("%-20s", family), ver)
		}
		return nil
	},
}
