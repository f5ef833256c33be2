package cli

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"

	"github.com/GESkunkworks/selfie"
	"github.com/GESkunkworks/selfie/internal/config"
)

// stringFlags maps config keys to the flag that overrides them.
var stringFlags = []struct {
	flag string
	dest func(*config.Config) *string
}{
	{"region", func(c *config.Config) *string { return &c.Region }},
	{"target-account", func(c *config.Config) *string { return &c.TargetAccount }},
	{"target-role", func(c *config.Config) *string { return &c.TargetRole }},
	{"forensic-account", func(c *config.Config) *string { return &c.ForensicAccount }},
	{"control-account", func(c *config.Config) *string { return &c.ControlAccount }},
	{"control-role", func(c *config.Config) *string { return &c.ControlRole }},
	{"username", func(c *config.Config) *string { return &c.Username }},
	{"bucket", func(c *config.Config) *string { return &c.Bucket }},
	{"ticket-id", func(c *config.Config) *string { return &c.TicketID }},
	{"profile", func(c *config.Config) *string { return &c.Profile }},
}

// resolveConfig loads --config if given, applies any flags that were set
// explicitly on top and validates the result.
func resolveConfig(cmd *cobra.Command) (cfg config.Config, err error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	for _, sf := range stringFlags {
		if flags.Changed(sf.flag) {
			v, _ := flags.GetString(sf.flag)
			*sf.dest(&cfg) = v
		}
	}
	if flags.Changed("target-instances") {
		cfg.TargetInstanceList, _ = flags.GetStringSlice("target-instances")
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) (log15.Logger, error) {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return nil, err
	}
	logger := log15.New()
	logger.SetHandler(
		log15.LvlFilterHandler(
			lvl,
			log15.StreamHandler(w, log15.LogfmtFormat()),
		),
	)
	return logger, nil
}

// newSelfie builds a Selfie from the command's configuration, logging to w.
func newSelfie(cmd *cobra.Command, w io.Writer) (*selfie.Selfie, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	logger, err := newLogger(w, level)
	if err != nil {
		return nil, err
	}
	interval, _ := flags.GetDuration("poll-interval")
	attempts, _ := flags.GetInt("max-poll-attempts")
	format, _ := flags.GetString("export-format")

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config:            aws.Config{Region: aws.String(cfg.Region)},
	})
	if err != nil {
		return nil, err
	}
	return selfie.New(&selfie.SelfieInput{
		Session:         sess,
		Logger:          &logger,
		Region:          aws.String(cfg.Region),
		TargetAccount:   aws.String(cfg.TargetAccount),
		TargetRole:      aws.String(cfg.TargetRole),
		TargetInstances: cfg.TargetInstanceList,
		ForensicAccount: aws.String(cfg.ForensicAccount),
		ControlAccount:  aws.String(cfg.ControlAccount),
		ControlRole:     aws.String(cfg.ControlRole),
		Username:        aws.String(cfg.Username),
		Bucket:          aws.String(cfg.Bucket),
		TicketID:        aws.String(cfg.TicketID),
		Profile:         aws.String(cfg.Profile),
		PollInterval:    &interval,
		MaxPollAttempts: &attempts,
		ExportFormat:    aws.String(format),
		SessionName:     aws.String(sessionName(cfg.Username)),
	})
}

// sessionName ties AssumeRole calls in CloudTrail back to the responder.
func sessionName(username string) string {
	name := "selfie-" + username
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func newSnapCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "snap",
		Short: "Snapshot the target instances and copy the snapshots to the forensic account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSelfie(cmd, stdout)
			if err != nil {
				return err
			}
			return s.Snap()
		},
	}
}

func newCaptureCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Capture the target account's EC2 configuration to S3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSelfie(cmd, stdout)
			if err != nil {
				return err
			}
			return s.Capture()
		},
	}
}
