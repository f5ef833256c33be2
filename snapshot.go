package selfie

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

// VolumeRef is an EBS volume attached to an instance, as discovered by
// describing the instance.
type VolumeRef struct {
	InstanceID string
	DeviceName string
	VolumeID   string
}

// SnapshotRecord maps a snapshot ID to the description it was created with.
type SnapshotRecord map[string]string

// IDs returns the snapshot IDs in the record in sorted order.
func (r SnapshotRecord) IDs() []string {
	return sortedKeys(r)
}

// PollTimeoutError is returned when a wait runs out of attempts before
// every operation reached a terminal state.
type PollTimeoutError struct {
	Attempts int
	Pending  []string
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf(
		"gave up after %d polls with %d snapshots still pending: %s",
		e.Attempts, len(e.Pending), strings.Join(e.Pending, ","),
	)
}

// enumerateVolumes describes the given instances and flattens their block
// device mappings. Order follows the DescribeInstances response and nothing
// is deduplicated. An unknown instance fails the whole describe.
func (s *Selfie) enumerateVolumes(svc ec2iface.EC2API, instanceIDs []string) (vols []VolumeRef, err error) {
	if len(instanceIDs) == 0 {
		return vols, errors.New("at least one instance ID is required")
	}
	input := ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice(instanceIDs),
	}
	results, err := svc.DescribeInstances(&input)
	if err != nil {
		return vols, err
	}
	vols = append(vols, flattenReservations(results.Reservations)...)
	i := 2
	max := 50
	for i < max {
		if results.NextToken != nil {
			s.log.Debug("handling instance results", "page", i)
			input = ec2.DescribeInstancesInput{
				InstanceIds: aws.StringSlice(instanceIDs),
				NextToken:   results.NextToken,
			}
			results, err = svc.DescribeInstances(&input)
			if err != nil {
				return vols, err
			}
			vols = append(vols, flattenReservations(results.Reservations)...)
		} else {
			break
		}
		i += 1
	}
	return vols, err
}

func flattenReservations(reservations []*ec2.Reservation) (vols []VolumeRef) {
	for _, reservation := range reservations {
		for _, instance := range reservation.Instances {
			for _, bdm := range instance.BlockDeviceMappings {
				// instance store devices have no EBS volume to snapshot
				if bdm.Ebs == nil || bdm.Ebs.VolumeId == nil {
					continue
				}
				vols = append(vols, VolumeRef{
					InstanceID: aws.StringValue(instance.InstanceId),
					DeviceName: aws.StringValue(bdm.DeviceName),
					VolumeID:   aws.StringValue(bdm.Ebs.VolumeId),
				})
			}
		}
	}
	return vols
}

// startSnapshots begins one snapshot per volume. The returned record holds
// every snapshot started before a failure, even when err is non-nil.
func (s *Selfie) startSnapshots(svc ec2iface.EC2API, vols []VolumeRef) (snapshots SnapshotRecord, err error) {
	snapshots = make(SnapshotRecord)
	for _, vol := range vols {
		description := snapshotDescription(s.ticketID, vol)
		s.log.Info("Taking snapshot", "description", description)
		input := ec2.CreateSnapshotInput{
			VolumeId:    aws.String(vol.VolumeID),
			Description: aws.String(description),
		}
		snap, err := svc.CreateSnapshot(&input)
		if err != nil {
			return snapshots, err
		}
		snapshots[aws.StringValue(snap.SnapshotId)] = description
	}
	return snapshots, err
}

// wait blocks until every snapshot in ids reports completed or error.
// The state of all pending snapshots is fetched in one call every
// pollInterval. A snapshot missing from the response stays pending.
func (s *Selfie) wait(svc ec2iface.EC2API, ids []string) (err error) {
	pending := make(map[string]bool)
	for _, id := range ids {
		pending[id] = true
	}
	attempts := 0
	for len(pending) > 0 {
		if s.maxPollAttempts > 0 && attempts >= s.maxPollAttempts {
			return &PollTimeoutError{Attempts: attempts, Pending: pendingIDs(pending)}
		}
		attempts++
		s.sleep(s.pollInterval)
		query := pendingIDs(pending)
		input := ec2.DescribeSnapshotsInput{
			SnapshotIds: aws.StringSlice(query),
		}
		results, err := svc.DescribeSnapshots(&input)
		if err != nil {
			return err
		}
		s.log.Info("Account has snapshots pending", "pending", len(query))
		for _, snap := range results.Snapshots {
			id := aws.StringValue(snap.SnapshotId)
			state := aws.StringValue(snap.State)
			s.log.Info("snapshot status", "snapshot", id, "state", state, "progress", aws.StringValue(snap.Progress))
			if state == ec2.SnapshotStateError {
				s.log.Warn("snapshot finished in error state", "snapshot", id, "message", aws.StringValue(snap.StateMessage))
			}
			if isTerminal(state) {
				delete(pending, id)
			}
		}
	}
	return err
}

func pendingIDs(pending map[string]bool) (ids []string) {
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// grantRead adds account to the createVolumePermission of every snapshot.
func (s *Selfie) grantRead(svc ec2iface.EC2API, ids []string, account string) (err error) {
	for _, id := range ids {
		s.log.Info("Adding snapshot permissions", "snapshot", id, "account", account)
		input := ec2.ModifySnapshotAttributeInput{
			SnapshotId: aws.String(id),
			Attribute:  aws.String(ec2.SnapshotAttributeNameCreateVolumePermission),
			CreateVolumePermission: &ec2.CreateVolumePermissionModifications{
				Add: []*ec2.CreateVolumePermission{
					{UserId: aws.String(account)},
				},
			},
		}
		_, err = svc.ModifySnapshotAttribute(&input)
		if err != nil {
			return err
		}
	}
	return err
}

// copySnapshots copies every snapshot in the record within the region,
// using whatever account svc is authenticated as. Copies are not throttled
// against the account's in flight copy limit.
func (s *Selfie) copySnapshots(svc ec2iface.EC2API, snapshots SnapshotRecord) (ids []string, err error) {
	s.log.Info("Copying snapshots", "snapshots", strings.Join(snapshots.IDs(), ","))
	for _, id := range snapshots.IDs() {
		input := ec2.CopySnapshotInput{
			SourceRegion:      aws.String(s.region),
			SourceSnapshotId:  aws.String(id),
			Description:       aws.String(copyDescription(snapshots[id])),
			DestinationRegion: aws.String(s.region),
		}
		out, err := svc.CopySnapshot(&input)
		if err != nil {
			if isLimitError(err) {
				s.log.Warn("hit a snapshot limit while copying, too many copies in flight", "snapshot", id, "started", len(ids))
			}
			return ids, err
		}
		ids = append(ids, aws.StringValue(out.SnapshotId))
	}
	return ids, err
}
