package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Overridden at link time by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type buildDetails struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
}

// resolveBuild fills link-time defaults from the module build info embedded
// by `go install` or a VCS checkout build.
func resolveBuild(info *debug.BuildInfo) buildDetails {
	b := buildDetails{Version: version, Commit: commit, Date: date}
	if info == nil {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "none" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.Date == "unknown" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, _ := debug.ReadBuildInfo()
			b := resolveBuild(info)
			rev := b.Commit
			if b.Modified {
				rev += " (modified)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cohort %s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
				b.Version, rev, b.Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}

	return cmd
}
