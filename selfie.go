package selfie

import (
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/inconshreveable/log15"
)

// Version of the selfie library and CLI.
const Version = "1.0.0"

// A Selfie holds everything needed to snapshot instances in a target
// account and land copies in a forensic account. Create a SelfieInput
// and pass it to this package's New method to get a new Selfie, then
// call Snap or Capture.
type Selfie struct {
	// Snapshots are the snapshots started in the target account,
	// keyed by snapshot ID with the description they were created
	// with. After a failed Snap it holds whatever was started before
	// the failure.
	Snapshots SnapshotRecord

	// Copies are the IDs of the snapshot copies started in the
	// forensic account.
	Copies []string

	region          string
	targetAccount   string
	targetRole      string
	targetInstances []string
	forensicAccount string
	controlAccount  string
	controlRole     string
	username        string
	bucket          string
	ticketID        string
	profile         string
	exportFormat    string
	pollInterval    time.Duration
	maxPollAttempts int
	session         *session.Session
	broker          *broker
	log             log15.Logger
	sleep           func(time.Duration)
	newEC2          func(creds *credentials.Credentials) ec2iface.EC2API
	newS3           func(creds *credentials.Credentials) s3iface.S3API
	newAutoScaling  func(creds *credentials.Credentials) autoscalingiface.AutoScalingAPI
}

// Snap runs the whole cross account snapshot pipeline:
// assume into the target account, snapshot every attached volume of the
// target instances, wait for them, share them with the forensic account,
// assume into the forensic account, copy them and wait for the copies.
//
// Any failure stops the run. Nothing already started is cleaned up.
// Snapshots or copies that finish in the error state are logged but do
// not fail the run.
func (s *Selfie) Snap() (err error) {
	s.log.Info("Snap target account", "account", s.targetAccount, "ticket", s.ticketID, "profile", s.profile)
	creds, err := s.assume(s.targetAccount)
	if err != nil {
		s.log.Error("unable to assume into target account", "account", s.targetAccount, "error", err.Error())
		return err
	}
	svc := s.newEC2(creds)

	vols, err := s.enumerateVolumes(svc, s.targetInstances)
	if err != nil {
		return err
	}
	s.log.Info("found attached volumes", "instances", len(s.targetInstances), "volumes", len(vols))
	s.Snapshots, err = s.startSnapshots(svc, vols)
	if err != nil {
		return err
	}
	err = s.wait(svc, s.Snapshots.IDs())
	if err != nil {
		return err
	}
	err = s.grantRead(svc, s.Snapshots.IDs(), s.forensicAccount)
	if err != nil {
		return err
	}

	// target credentials are not reused past this point
	creds, err = s.assume(s.forensicAccount)
	if err != nil {
		s.log.Error("unable to assume into forensic account", "account", s.forensicAccount, "error", err.Error())
		return err
	}
	svc = s.newEC2(creds)
	s.Copies, err = s.copySnapshots(svc, s.Snapshots)
	if err != nil {
		return err
	}
	err = s.wait(svc, s.Copies)
	if err != nil {
		return err
	}
	s.log.Info("snap complete", "snapshots", len(s.Snapshots), "copies", len(s.Copies))
	return err
}

func (s *Selfie) clientConfig(creds *credentials.Credentials) *aws.Config {
	return aws.NewConfig().WithRegion(s.region).WithCredentials(creds)
}

func (s *Selfie) defaultEC2(creds *credentials.Credentials) ec2iface.EC2API {
	return ec2.New(s.session, s.clientConfig(creds))
}

func (s *Selfie) defaultS3(creds *credentials.Credentials) s3iface.S3API {
	return s3.New(s.session, s.clientConfig(creds))
}

func (s *Selfie) defaultAutoScaling(creds *credentials.Credentials) autoscalingiface.AutoScalingAPI {
	return autoscaling.New(s.session, s.clientConfig(creds))
}

// SelfieInput provides configuration inputs for a new Selfie.
// Unless marked otherwise every field is required.
type SelfieInput struct {
	// AWS Session holding the base (profile) credentials used for
	// the first hop into the control account.
	Session *session.Session

	// Selfie uses log15 (https://github.com/inconshreveable/log15)
	// as an opinionated logging framework.
	Logger *log15.Logger

	// Region the instances, snapshots and copies live in.
	Region *string

	// Account that owns the instances to snapshot.
	TargetAccount *string

	// Role assumed inside both the target and the forensic account.
	TargetRole *string

	// IDs of the instances whose attached volumes are snapshotted.
	TargetInstances []string

	// Account that receives the snapshot copies.
	ForensicAccount *string

	// Account every role chain goes through first.
	ControlAccount *string

	// Role assumed inside the control account.
	ControlRole *string

	// IAM username, used to derive the MFA device serial in the
	// control account.
	Username *string

	// Bucket the inventory capture is written to.
	Bucket *string

	// Ticket the snapshots and captured inventory are filed under.
	TicketID *string

	// Name of the shared config profile Session was built from.
	Profile *string

	// Time between snapshot status polls.
	// Default: 10s
	PollInterval *time.Duration

	// Maximum number of status polls per wait before giving up.
	// Zero waits until every snapshot is finished, however long
	// that takes.
	// Default: 0
	MaxPollAttempts *int

	// Role session name used on every AssumeRole call.
	// Default: "selfie"
	SessionName *string

	// Returns the current MFA code for the control account hop.
	// Default: stscreds.StdinTokenProvider
	TokenProvider func() (string, error)

	// Format inventory objects are written in, "json" or "yaml".
	// Default: "json"
	ExportFormat *string
}

func requireString(name string, value *string) (string, error) {
	if value == nil || *value == "" {
		return "", errors.New(name + " is required")
	}
	return *value, nil
}

// New returns a Selfie whose Snap and Capture methods can be called.
// It validates that every required field of input is set and fills in
// defaults for the optional ones.
func New(input *SelfieInput) (s *Selfie, err error) {
	var e Selfie

	if input.Session == nil {
		err = errors.New("Session is required")
		return &e, err
	}
	e.session = input.Session

	if input.Logger == nil {
		err = errors.New("log15 logger is required")
		return &e, err
	}
	e.log = *input.Logger

	required := []struct {
		name  string
		value *string
		dest  *string
	}{
		{"Region", input.Region, &e.region},
		{"TargetAccount", input.TargetAccount, &e.targetAccount},
		{"TargetRole", input.TargetRole, &e.targetRole},
		{"ForensicAccount", input.ForensicAccount, &e.forensicAccount},
		{"ControlAccount", input.ControlAccount, &e.controlAccount},
		{"ControlRole", input.ControlRole, &e.controlRole},
		{"Username", input.Username, &e.username},
		{"Bucket", input.Bucket, &e.bucket},
		{"TicketID", input.TicketID, &e.ticketID},
		{"Profile", input.Profile, &e.profile},
	}
	for _, r := range required {
		*r.dest, err = requireString(r.name, r.value)
		if err != nil {
			return &e, err
		}
	}

	if len(input.TargetInstances) == 0 {
		err = errors.New("TargetInstances is required")
		return &e, err
	}
	e.targetInstances = input.TargetInstances

	DefaultPollInterval := 10 * time.Second
	if input.PollInterval == nil {
		input.PollInterval = &DefaultPollInterval
	}
	e.pollInterval = *input.PollInterval

	DefaultMaxPollAttempts := 0
	if input.MaxPollAttempts == nil {
		input.MaxPollAttempts = &DefaultMaxPollAttempts
	}
	if *input.MaxPollAttempts < 0 {
		err = errors.New("MaxPollAttempts cannot be negative")
		return &e, err
	}
	e.maxPollAttempts = *input.MaxPollAttempts

	DefaultSessionName := "selfie"
	if input.SessionName == nil {
		input.SessionName = &DefaultSessionName
	}

	if input.TokenProvider == nil {
		input.TokenProvider = stscreds.StdinTokenProvider
	}

	DefaultExportFormat := formatJSON
	if input.ExportFormat == nil {
		input.ExportFormat = &DefaultExportFormat
	}
	if !containsString([]string{formatJSON, formatYAML}, *input.ExportFormat) {
		err = errors.New("ExportFormat must be json or yaml")
		return &e, err
	}
	e.exportFormat = *input.ExportFormat

	e.broker = newBroker(e.session, *input.SessionName, input.TokenProvider, e.log)
	e.sleep = time.Sleep
	e.newEC2 = e.defaultEC2
	e.newS3 = e.defaultS3
	e.newAutoScaling = e.defaultAutoScaling
	return &e, err
}
