package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root cobra command for the selfie CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "selfie",
		Short:         "Snapshot EC2 instances across accounts for incident response",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newVersionCmd(stdout))
	cmd.AddCommand(newSnapCmd(stdout))
	cmd.AddCommand(newCaptureCmd(stdout))

	return cmd
}

// addGlobalFlags adds the run configuration flags shared by snap and capture.
func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "YAML file with run configuration; flags override its values")
	f.String("region", "", "AWS region of the instances and snapshots")
	f.String("target-account", "", "Account that owns the instances")
	f.String("target-role", "", "Role assumed in the target and forensic accounts")
	f.StringSlice("target-instances", nil, "Instance IDs to snapshot (comma separated)")
	f.String("forensic-account", "", "Account that receives the snapshot copies")
	f.String("control-account", "", "Account every role chain goes through first")
	f.String("control-role", "", "Role assumed in the control account")
	f.String("username", "", "IAM username owning the MFA device in the control account")
	f.String("bucket", "", "S3 bucket captured inventory is written to")
	f.String("ticket-id", "", "Ticket the snapshots and inventory are filed under")
	f.String("profile", "", "Shared config profile with the base credentials")
	f.String("log-level", "info", "Log level (debug, info, warn, error, crit)")
	f.Duration("poll-interval", 10*time.Second, "Time between snapshot status polls")
	f.Int("max-poll-attempts", 0, "Give up waiting after this many polls (0 waits forever)")
	f.String("export-format", "json", "Format of captured inventory objects (json or yaml)")
}

// Execute runs the CLI with the process stdio.
func Execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
