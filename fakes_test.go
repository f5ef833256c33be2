package selfie

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/awstesting/unit"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
)

// logRecorder keeps every log15 record written through it.
type logRecorder struct {
	records []*log15.Record
}

func newTestLogger() (log15.Logger, *logRecorder) {
	rec := &logRecorder{}
	logger := log15.New()
	logger.SetHandler(log15.FuncHandler(func(r *log15.Record) error {
		rec.records = append(rec.records, r)
		return nil
	}))
	return logger, rec
}

func (l *logRecorder) messages(lvl log15.Lvl) (msgs []string) {
	for _, r := range l.records {
		if r.Lvl == lvl {
			msgs = append(msgs, r.Msg)
		}
	}
	return msgs
}

func testInput(logger *log15.Logger) *SelfieInput {
	return &SelfieInput{
		Session:         unit.Session,
		Logger:          logger,
		Region:          aws.String("us-west-2"),
		TargetAccount:   aws.String("111111111111"),
		TargetRole:      aws.String("incident-response"),
		TargetInstances: []string{"i-1"},
		ForensicAccount: aws.String("222222222222"),
		ControlAccount:  aws.String("333333333333"),
		ControlRole:     aws.String("responder"),
		Username:        aws.String("jdoe"),
		Bucket:          aws.String("ir-evidence"),
		TicketID:        aws.String("TICKET123"),
		Profile:         aws.String("ir"),
		TokenProvider:   func() (string, error) { return "123456", nil },
	}
}

// newTestSelfie returns a Selfie wired to fake STS and a recording logger.
// Polling does not sleep.
func newTestSelfie(t *testing.T) (*Selfie, *stsFactory, *logRecorder) {
	t.Helper()
	logger, rec := newTestLogger()
	s, err := New(testInput(&logger))
	require.NoError(t, err)
	factory := &stsFactory{deny: map[string]error{}}
	s.broker.newSTS = factory.new
	s.sleep = func(time.Duration) {}
	return s, factory, rec
}

type assumeCall struct {
	// access key of the credentials the STS client was built with,
	// empty for the base session
	Upstream string
	Input    *sts.AssumeRoleInput
}

type stsFactory struct {
	calls []assumeCall
	deny  map[string]error
}

func (f *stsFactory) new(creds *credentials.Credentials) stsiface.STSAPI {
	upstream := ""
	if creds != nil {
		v, err := creds.Get()
		if err == nil {
			upstream = v.AccessKeyID
		}
	}
	return &fakeSTS{factory: f, upstream: upstream}
}

type fakeSTS struct {
	stsiface.STSAPI
	factory  *stsFactory
	upstream string
}

func (f *fakeSTS) AssumeRole(input *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
	f.factory.calls = append(f.factory.calls, assumeCall{Upstream: f.upstream, Input: input})
	if err, ok := f.factory.deny[*input.RoleArn]; ok {
		return nil, err
	}
	return &sts.AssumeRoleOutput{
		Credentials: &sts.Credentials{
			AccessKeyId:     aws.String("AKID " + *input.RoleArn),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(time.Date(2000, time.January, 1, 1, 0, 0, 0, time.UTC)),
		},
	}, nil
}

func accessKey(t *testing.T, creds *credentials.Credentials) string {
	t.Helper()
	v, err := creds.Get()
	require.NoError(t, err)
	return v.AccessKeyID
}

type fakeEC2 struct {
	ec2iface.EC2API

	reservations         []*ec2.Reservation
	describeInstancesErr error
	describedInstances   [][]string

	// createErrAt fails the nth CreateSnapshot call (1 based), 0 never fails
	createErrAt int
	created     []*ec2.CreateSnapshotInput

	// polls are the DescribeSnapshots responses per round, the last one
	// repeats once exhausted
	polls          [][]*ec2.Snapshot
	pollErr        error
	describedSnaps [][]string

	modified  []*ec2.ModifySnapshotAttributeInput
	modifyErr error

	copied  []*ec2.CopySnapshotInput
	copyErr error
	// copyErrAt fails the nth CopySnapshot call (1 based) with copyErr
	copyErrAt int

	// inventory describe calls
	describeVpcsErr error
	inventoryCalls  int
}

func (f *fakeEC2) DescribeInstances(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	f.describedInstances = append(f.describedInstances, aws.StringValueSlice(input.InstanceIds))
	if f.describeInstancesErr != nil {
		return nil, f.describeInstancesErr
	}
	return &ec2.DescribeInstancesOutput{Reservations: f.reservations}, nil
}

func (f *fakeEC2) CreateSnapshot(input *ec2.CreateSnapshotInput) (*ec2.Snapshot, error) {
	f.created = append(f.created, input)
	if f.createErrAt == len(f.created) {
		return nil, fmt.Errorf("create snapshot failed for %s", *input.VolumeId)
	}
	return &ec2.Snapshot{
		SnapshotId:  aws.String(fmt.Sprintf("snap-%d", len(f.created))),
		VolumeId:    input.VolumeId,
		Description: input.Description,
		State:       aws.String(ec2.SnapshotStatePending),
	}, nil
}

func (f *fakeEC2) DescribeSnapshots(input *ec2.DescribeSnapshotsInput) (*ec2.DescribeSnapshotsOutput, error) {
	if len(input.SnapshotIds) == 0 {
		// inventory capture
		f.inventoryCalls++
		return &ec2.DescribeSnapshotsOutput{}, nil
	}
	f.describedSnaps = append(f.describedSnaps, aws.StringValueSlice(input.SnapshotIds))
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.polls) == 0 {
		return &ec2.DescribeSnapshotsOutput{}, nil
	}
	round := len(f.describedSnaps) - 1
	if round >= len(f.polls) {
		round = len(f.polls) - 1
	}
	return &ec2.DescribeSnapshotsOutput{Snapshots: f.polls[round]}, nil
}

func (f *fakeEC2) ModifySnapshotAttribute(input *ec2.ModifySnapshotAttributeInput) (*ec2.ModifySnapshotAttributeOutput, error) {
	f.modified = append(f.modified, input)
	if f.modifyErr != nil {
		return nil, f.modifyErr
	}
	return &ec2.ModifySnapshotAttributeOutput{}, nil
}

func (f *fakeEC2) CopySnapshot(input *ec2.CopySnapshotInput) (*ec2.CopySnapshotOutput, error) {
	f.copied = append(f.copied, input)
	if f.copyErr != nil && (f.copyErrAt == 0 || f.copyErrAt == len(f.copied)) {
		return nil, f.copyErr
	}
	return &ec2.CopySnapshotOutput{SnapshotId: aws.String(fmt.Sprintf("snap-copy-%d", len(f.copied)))}, nil
}

func snapState(id, state string) *ec2.Snapshot {
	return &ec2.Snapshot{SnapshotId: aws.String(id), State: aws.String(state), Progress: aws.String("100%")}
}

func instance(id string, devices map[string]string) *ec2.Instance {
	in := &ec2.Instance{InstanceId: aws.String(id)}
	for _, device := range sortedKeys(devices) {
		in.BlockDeviceMappings = append(in.BlockDeviceMappings, &ec2.InstanceBlockDeviceMapping{
			DeviceName: aws.String(device),
			Ebs:        &ec2.EbsInstanceBlockDevice{VolumeId: aws.String(devices[device])},
		})
	}
	return in
}

type fakeS3 struct {
	s3iface.S3API
	puts   []*s3.PutObjectInput
	bodies map[string]string
	putErr error
}

func (f *fakeS3) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, input)
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.bodies[*input.Key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

type fakeAutoScaling struct {
	autoscalingiface.AutoScalingAPI
	groupPages  [][]*autoscaling.Group
	configPages [][]*autoscaling.LaunchConfiguration
	groupCalls  []*autoscaling.DescribeAutoScalingGroupsInput
	configCalls []*autoscaling.DescribeLaunchConfigurationsInput
}

func pageToken(page, pages int) *string {
	if page+1 < pages {
		return aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return nil
}

func (f *fakeAutoScaling) DescribeAutoScalingGroups(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	page := len(f.groupCalls)
	f.groupCalls = append(f.groupCalls, input)
	if page >= len(f.groupPages) {
		return &autoscaling.DescribeAutoScalingGroupsOutput{}, nil
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{
		AutoScalingGroups: f.groupPages[page],
		NextToken:         pageToken(page, len(f.groupPages)),
	}, nil
}

func (f *fakeAutoScaling) DescribeLaunchConfigurations(input *autoscaling.DescribeLaunchConfigurationsInput) (*autoscaling.DescribeLaunchConfigurationsOutput, error) {
	page := len(f.configCalls)
	f.configCalls = append(f.configCalls, input)
	if page >= len(f.configPages) {
		return &autoscaling.DescribeLaunchConfigurationsOutput{}, nil
	}
	return &autoscaling.DescribeLaunchConfigurationsOutput{
		LaunchConfigurations: f.configPages[page],
		NextToken:            pageToken(page, len(f.configPages)),
	}, nil
}

// the remaining EC2 describes only matter to inventory capture

func (f *fakeEC2) DescribeAccountAttributes(*ec2.DescribeAccountAttributesInput) (*ec2.DescribeAccountAttributesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeAccountAttributesOutput{}, nil
}

func (f *fakeEC2) DescribeAddresses(*ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeAddressesOutput{}, nil
}

func (f *fakeEC2) DescribeAvailabilityZones(*ec2.DescribeAvailabilityZonesInput) (*ec2.DescribeAvailabilityZonesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeAvailabilityZonesOutput{}, nil
}

func (f *fakeEC2) DescribeConversionTasks(*ec2.DescribeConversionTasksInput) (*ec2.DescribeConversionTasksOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeConversionTasksOutput{}, nil
}

func (f *fakeEC2) DescribeCustomerGateways(*ec2.DescribeCustomerGatewaysInput) (*ec2.DescribeCustomerGatewaysOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeCustomerGatewaysOutput{}, nil
}

func (f *fakeEC2) DescribeDhcpOptions(*ec2.DescribeDhcpOptionsInput) (*ec2.DescribeDhcpOptionsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeDhcpOptionsOutput{}, nil
}

func (f *fakeEC2) DescribeExportTasks(*ec2.DescribeExportTasksInput) (*ec2.DescribeExportTasksOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeExportTasksOutput{}, nil
}

func (f *fakeEC2) DescribeFlowLogs(*ec2.DescribeFlowLogsInput) (*ec2.DescribeFlowLogsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeFlowLogsOutput{}, nil
}

func (f *fakeEC2) DescribeHosts(*ec2.DescribeHostsInput) (*ec2.DescribeHostsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeHostsOutput{}, nil
}

func (f *fakeEC2) DescribeImages(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeImagesOutput{}, nil
}

func (f *fakeEC2) DescribeImportImageTasks(*ec2.DescribeImportImageTasksInput) (*ec2.DescribeImportImageTasksOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeImportImageTasksOutput{}, nil
}

func (f *fakeEC2) DescribeImportSnapshotTasks(*ec2.DescribeImportSnapshotTasksInput) (*ec2.DescribeImportSnapshotTasksOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeImportSnapshotTasksOutput{}, nil
}

func (f *fakeEC2) DescribeInternetGateways(*ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeInternetGatewaysOutput{}, nil
}

func (f *fakeEC2) DescribeKeyPairs(*ec2.DescribeKeyPairsInput) (*ec2.DescribeKeyPairsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeKeyPairsOutput{}, nil
}

func (f *fakeEC2) DescribeNatGateways(*ec2.DescribeNatGatewaysInput) (*ec2.DescribeNatGatewaysOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeNatGatewaysOutput{}, nil
}

func (f *fakeEC2) DescribeNetworkAcls(*ec2.DescribeNetworkAclsInput) (*ec2.DescribeNetworkAclsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeNetworkAclsOutput{}, nil
}

func (f *fakeEC2) DescribeNetworkInterfaces(*ec2.DescribeNetworkInterfacesInput) (*ec2.DescribeNetworkInterfacesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeNetworkInterfacesOutput{}, nil
}

func (f *fakeEC2) DescribeRouteTables(*ec2.DescribeRouteTablesInput) (*ec2.DescribeRouteTablesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeRouteTablesOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeSecurityGroupsOutput{
		SecurityGroups: []*ec2.SecurityGroup{{GroupId: aws.String("sg-1"), GroupName: aws.String("default")}},
	}, nil
}

func (f *fakeEC2) DescribeSubnets(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeSubnetsOutput{}, nil
}

func (f *fakeEC2) DescribeVolumes(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeVolumesOutput{}, nil
}

func (f *fakeEC2) DescribeVpcEndpoints(*ec2.DescribeVpcEndpointsInput) (*ec2.DescribeVpcEndpointsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeVpcEndpointsOutput{}, nil
}

func (f *fakeEC2) DescribeVpcPeeringConnections(*ec2.DescribeVpcPeeringConnectionsInput) (*ec2.DescribeVpcPeeringConnectionsOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeVpcPeeringConnectionsOutput{}, nil
}

func (f *fakeEC2) DescribeVpcs(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
	f.inventoryCalls++
	if f.describeVpcsErr != nil {
		return nil, f.describeVpcsErr
	}
	return &ec2.DescribeVpcsOutput{}, nil
}

func (f *fakeEC2) DescribeVpnGateways(*ec2.DescribeVpnGatewaysInput) (*ec2.DescribeVpnGatewaysOutput, error) {
	f.inventoryCalls++
	return &ec2.DescribeVpnGatewaysOutput{}, nil
}
