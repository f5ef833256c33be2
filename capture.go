package selfie

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// Inventory holds the raw describe output for each captured category,
// keyed by category name (e.g. "security_groups").
type Inventory map[string]interface{}

// Categories returns the category names in sorted order.
func (inv Inventory) Categories() (names []string) {
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capture describes the EC2 and AutoScaling configuration of the target
// account and writes one object per category to the bucket under
// TICKET/TARGET_ACCOUNT/CATEGORY.
func (s *Selfie) Capture() (err error) {
	s.log.Info("Capture security configuration", "account", s.targetAccount, "ticket", s.ticketID)
	creds, err := s.assume(s.targetAccount)
	if err != nil {
		s.log.Error("unable to assume into target account", "account", s.targetAccount, "error", err.Error())
		return err
	}
	inv, err := s.collectInventory(s.newEC2(creds), s.newAutoScaling(creds))
	if err != nil {
		return err
	}
	return s.exportInventory(s.newS3(creds), inv)
}

// collectInventory runs every describe call and returns their output.
// The first failing call aborts the capture.
func (s *Selfie) collectInventory(svc ec2iface.EC2API, asg autoscalingiface.AutoScalingAPI) (inv Inventory, err error) {
	s.log.Info("Getting EC2 info", "account", s.targetAccount)
	self := aws.StringSlice([]string{"self"})
	describes := map[string]func() (interface{}, error){
		"account_attributes": func() (interface{}, error) {
			return svc.DescribeAccountAttributes(&ec2.DescribeAccountAttributesInput{})
		},
		"addresses": func() (interface{}, error) {
			return svc.DescribeAddresses(&ec2.DescribeAddressesInput{})
		},
		"availability_zones": func() (interface{}, error) {
			return svc.DescribeAvailabilityZones(&ec2.DescribeAvailabilityZonesInput{})
		},
		"conversion_tasks": func() (interface{}, error) {
			return svc.DescribeConversionTasks(&ec2.DescribeConversionTasksInput{})
		},
		"customer_gateways": func() (interface{}, error) {
			return svc.DescribeCustomerGateways(&ec2.DescribeCustomerGatewaysInput{})
		},
		"dhcp_options": func() (interface{}, error) {
			return svc.DescribeDhcpOptions(&ec2.DescribeDhcpOptionsInput{})
		},
		"export_tasks": func() (interface{}, error) {
			return svc.DescribeExportTasks(&ec2.DescribeExportTasksInput{})
		},
		"flow_logs": func() (interface{}, error) {
			return svc.DescribeFlowLogs(&ec2.DescribeFlowLogsInput{})
		},
		"hosts": func() (interface{}, error) {
			return svc.DescribeHosts(&ec2.DescribeHostsInput{})
		},
		"images": func() (interface{}, error) {
			return svc.DescribeImages(&ec2.DescribeImagesInput{ExecutableUsers: self})
		},
		"import_image_tasks": func() (interface{}, error) {
			return svc.DescribeImportImageTasks(&ec2.DescribeImportImageTasksInput{})
		},
		"import_snapshot_tasks": func() (interface{}, error) {
			return svc.DescribeImportSnapshotTasks(&ec2.DescribeImportSnapshotTasksInput{})
		},
		"instances": func() (interface{}, error) {
			return svc.DescribeInstances(&ec2.DescribeInstancesInput{})
		},
		"internet_gateways": func() (interface{}, error) {
			return svc.DescribeInternetGateways(&ec2.DescribeInternetGatewaysInput{})
		},
		"key_pairs": func() (interface{}, error) {
			return svc.DescribeKeyPairs(&ec2.DescribeKeyPairsInput{})
		},
		"nat_gateways": func() (interface{}, error) {
			return svc.DescribeNatGateways(&ec2.DescribeNatGatewaysInput{})
		},
		"network_acls": func() (interface{}, error) {
			return svc.DescribeNetworkAcls(&ec2.DescribeNetworkAclsInput{})
		},
		"network_interfaces": func() (interface{}, error) {
			return svc.DescribeNetworkInterfaces(&ec2.DescribeNetworkInterfacesInput{})
		},
		"route_tables": func() (interface{}, error) {
			return svc.DescribeRouteTables(&ec2.DescribeRouteTablesInput{})
		},
		"security_groups": func() (interface{}, error) {
			return svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{})
		},
		// without an owner filter this would include every public snapshot
		"snapshots": func() (interface{}, error) {
			return svc.DescribeSnapshots(&ec2.DescribeSnapshotsInput{OwnerIds: self})
		},
		"subnets": func() (interface{}, error) {
			return svc.DescribeSubnets(&ec2.DescribeSubnetsInput{})
		},
		"volumes": func() (interface{}, error) {
			return svc.DescribeVolumes(&ec2.DescribeVolumesInput{})
		},
		"vpc_endpoints": func() (interface{}, error) {
			return svc.DescribeVpcEndpoints(&ec2.DescribeVpcEndpointsInput{})
		},
		"vpc_peering_connections": func() (interface{}, error) {
			return svc.DescribeVpcPeeringConnections(&ec2.DescribeVpcPeeringConnectionsInput{})
		},
		"vpcs": func() (interface{}, error) {
			return svc.DescribeVpcs(&ec2.DescribeVpcsInput{})
		},
		"vpn_gateways": func() (interface{}, error) {
			return svc.DescribeVpnGateways(&ec2.DescribeVpnGatewaysInput{})
		},
		"autoscaling_groups": func() (interface{}, error) {
			return describeASGs(asg)
		},
		"launch_configurations": func() (interface{}, error) {
			return describeLaunchConfigurations(asg)
		},
	}
	inv = make(Inventory)
	var names []string
	for name := range describes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.log.Debug("describing category", "category", name)
		inv[name], err = describes[name]()
		if err != nil {
			s.log.Error("describe failed", "category", name, "error", err.Error())
			return inv, err
		}
	}
	return inv, err
}

// describeASGs returns every AutoScaling group in the account. It handles
// pagination.
func describeASGs(svc autoscalingiface.AutoScalingAPI) (asgs []*autoscaling.Group, err error) {
	input := autoscaling.DescribeAutoScalingGroupsInput{}
	results, err := svc.DescribeAutoScalingGroups(&input)
	if err != nil {
		return asgs, err
	}
	asgs = results.AutoScalingGroups
	i := 2
	max := 50
	for i < max {
		if results.NextToken != nil {
			input = autoscaling.DescribeAutoScalingGroupsInput{
				NextToken: results.NextToken,
			}
			results, err = svc.DescribeAutoScalingGroups(&input)
			if err != nil {
				return asgs, err
			}
			asgs = append(asgs, results.AutoScalingGroups...)
		} else {
			break
		}
		i += 1
	}
	return asgs, err
}

// describeLaunchConfigurations returns every launch configuration in the
// account. It handles pagination.
func describeLaunchConfigurations(svc autoscalingiface.AutoScalingAPI) (lcs []*autoscaling.LaunchConfiguration, err error) {
	input := autoscaling.DescribeLaunchConfigurationsInput{}
	results, err := svc.DescribeLaunchConfigurations(&input)
	if err != nil {
		return lcs, err
	}
	lcs = results.LaunchConfigurations
	i := 2
	max := 50
	for i < max {
		if results.NextToken != nil {
			input = autoscaling.DescribeLaunchConfigurationsInput{
				NextToken: results.NextToken,
			}
			results, err = svc.DescribeLaunchConfigurations(&input)
			if err != nil {
				return lcs, err
			}
			lcs = append(lcs, results.LaunchConfigurations...)
		} else {
			break
		}
		i += 1
	}
	return lcs, err
}

func (s *Selfie) encode(v interface{}) ([]byte, string, error) {
	if s.exportFormat == formatYAML {
		b, err := yaml.Marshal(v)
		return b, "application/yaml", err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	return b, "application/json", err
}

// exportInventory writes every category of inv to its own object.
func (s *Selfie) exportInventory(svc s3iface.S3API, inv Inventory) (err error) {
	s.log.Info("Writing captured info to S3", "account", s.targetAccount, "bucket", s.bucket)
	for _, category := range inv.Categories() {
		body, contentType, err := s.encode(inv[category])
		if err != nil {
			return err
		}
		key := objectKey(s.ticketID, s.targetAccount, category)
		input := s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		}
		_, err = svc.PutObject(&input)
		if err != nil {
			s.log.Error("unable to write object", "bucket", s.bucket, "key", key, "error", err.Error())
			return err
		}
		s.log.Debug("wrote object", "key", key, "bytes", len(body))
	}
	return err
}
