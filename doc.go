// Package selfie captures forensic EBS snapshots of EC2 instances that live
// in another AWS account and lands copies of them in a dedicated forensic
// account, for use by incident response tooling.
//
// Cross Account Flow
//
// Responders never hold long lived credentials for the account under
// investigation. Instead every account switch is a chain of role
// assumptions: first into a control account (bound to the responder's MFA
// device), then from the control account into a role inside the target
// account. The same chain is used to reach the forensic account.
//
// Once inside the target account a snapshot is started for every volume
// attached to each requested instance. Each snapshot is described as
//
//   TICKET | INSTANCE_ID | DEVICE_NAME | VOLUME_ID
//
// so it can be traced back to the ticket that requested it. When every
// snapshot has reached a terminal state (completed or error) the forensic
// account is granted createVolumePermission on them, and copies are started
// from inside the forensic account with the description prefixed by
// "IR Copy | ". The copies are polled the same way as the originals.
//
// Nothing is rolled back if a step fails. Snapshots and copies that were
// already started are left in place on purpose since they are evidence.
//
//   Note: AWS limits the number of in flight snapshot copies per account
//   and region (5 in us-west-2 at the time of writing). Copies are not
//   throttled here; hitting the limit fails the run.
//
// Inventory Capture
//
// Capture describes a broad set of EC2 and AutoScaling configuration in the
// target account and writes one object per category to S3 under
// TICKET/TARGET_ACCOUNT/CATEGORY for later audit.
//
// Sample
//
// Below is a sample main package you could use to snapshot an instance.
//
//   package main
//
//   import (
//   	"os"
//
//   	"github.com/GESkunkworks/selfie"
//   	"github.com/aws/aws-sdk-go/aws"
//   	"github.com/aws/aws-sdk-go/aws/session"
//   	"github.com/inconshreveable/log15"
//   )
//
//   func main() {
//   	sess := session.Must(session.NewSessionWithOptions(session.Options{
//   		Profile: "ir",
//   		Config:  aws.Config{Region: aws.String("us-west-2")},
//   	}))
//   	logger := log15.New()
//   	logger.SetHandler(log15.StreamHandler(os.Stdout, log15.LogfmtFormat()))
//   	s, err := selfie.New(&selfie.SelfieInput{
//   		Session:         sess,
//   		Logger:          &logger,
//   		Region:          aws.String("us-west-2"),
//   		TargetAccount:   aws.String("111111111111"),
//   		TargetRole:      aws.String("incident-response"),
//   		TargetInstances: []string{"i-0123456789abcdef0"},
//   		ForensicAccount: aws.String("222222222222"),
//   		ControlAccount:  aws.String("333333333333"),
//   		ControlRole:     aws.String("responder"),
//   		Username:        aws.String("jdoe"),
//   		Bucket:          aws.String("ir-evidence"),
//   		TicketID:        aws.String("TICKET123"),
//   		Profile:         aws.String("ir"),
//   	})
//   	if err != nil { panic(err) }
//   	if err = s.Snap(); err != nil { panic(err) }
//   }
package selfie
