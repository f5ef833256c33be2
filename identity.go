package selfie

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/inconshreveable/log15"
)

// Hop is a single role assumption in an AssumeChain.
type Hop struct {
	// Account the role lives in. Only used for logging.
	Account string

	// RoleARN is the full ARN of the role to assume.
	RoleARN string

	// SerialNumber is the ARN of the MFA device that must accompany
	// the AssumeRole call. Empty if the hop does not require MFA.
	SerialNumber string
}

// AssumeChain is a list of hops resolved left to right. Every hop after
// the first is performed with the credentials returned by the hop before it.
type AssumeChain []Hop

// broker resolves an AssumeChain into a set of short lived credentials.
// Nothing is cached, every resolve performs every hop.
type broker struct {
	session       *session.Session
	sessionName   string
	tokenProvider func() (string, error)
	newSTS        func(creds *credentials.Credentials) stsiface.STSAPI
	log           log15.Logger
}

func newBroker(sess *session.Session, sessionName string, tokenProvider func() (string, error), logger log15.Logger) *broker {
	b := broker{
		session:       sess,
		sessionName:   sessionName,
		tokenProvider: tokenProvider,
		log:           logger,
	}
	b.newSTS = b.defaultSTS
	return &b
}

// defaultSTS builds an STS client from the base session. A nil creds
// means the session's own (profile) credentials.
func (b *broker) defaultSTS(creds *credentials.Credentials) stsiface.STSAPI {
	if creds == nil {
		return sts.New(b.session)
	}
	return sts.New(b.session, aws.NewConfig().WithCredentials(creds))
}

// resolve walks the chain and returns the credentials of the final hop.
func (b *broker) resolve(chain AssumeChain) (creds *credentials.Credentials, err error) {
	if len(chain) == 0 {
		return creds, errors.New("assume chain has no hops")
	}
	for i, hop := range chain {
		b.log.Info("Assuming role", "account", hop.Account, "role", hop.RoleARN, "hop", i+1, "of", len(chain))
		creds, err = b.assume(creds, hop)
		if err != nil {
			return nil, err
		}
	}
	return creds, err
}

func (b *broker) assume(upstream *credentials.Credentials, hop Hop) (creds *credentials.Credentials, err error) {
	input := sts.AssumeRoleInput{
		RoleArn:         aws.String(hop.RoleARN),
		RoleSessionName: aws.String(b.sessionName),
	}
	if hop.SerialNumber != "" {
		if b.tokenProvider == nil {
			return creds, fmt.Errorf("role %s requires MFA but no token provider is configured", hop.RoleARN)
		}
		code, err := b.tokenProvider()
		if err != nil {
			return creds, err
		}
		input.SerialNumber = aws.String(hop.SerialNumber)
		input.TokenCode = aws.String(code)
	}
	out, err := b.newSTS(upstream).AssumeRole(&input)
	if err != nil {
		return creds, err
	}
	if out.Credentials == nil {
		return creds, fmt.Errorf("assume role %s returned no credentials", hop.RoleARN)
	}
	b.log.Debug("assumed role", "role", hop.RoleARN, "expires", aws.TimeValue(out.Credentials.Expiration))
	creds = credentials.NewStaticCredentials(
		aws.StringValue(out.Credentials.AccessKeyId),
		aws.StringValue(out.Credentials.SecretAccessKey),
		aws.StringValue(out.Credentials.SessionToken),
	)
	return creds, err
}

// chainFor builds the two hop chain into account: control role (with MFA)
// and then the target role inside account.
func (s *Selfie) chainFor(account string) AssumeChain {
	return AssumeChain{
		{
			Account:      s.controlAccount,
			RoleARN:      roleARN(s.controlAccount, s.controlRole),
			SerialNumber: mfaSerial(s.controlAccount, s.username),
		},
		{
			Account: account,
			RoleARN: roleARN(account, s.targetRole),
		},
	}
}

// assume returns fresh credentials for account.
func (s *Selfie) assume(account string) (*credentials.Credentials, error) {
	if account == "" {
		return nil, errors.New("account is required to assume a role")
	}
	return s.broker.resolve(s.chainFor(account))
}
