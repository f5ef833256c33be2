package selfie

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
)

const copyDescriptionPrefix = "IR Copy | "

// limitErrorCodes are the AWS error codes returned when too many snapshot
// operations are in flight or the API is throttling us.
var limitErrorCodes = []string{
	"ResourceLimitExceeded",
	"SnapshotCopyLimitExceeded",
	"RequestLimitExceeded",
}

func containsString(strSlice []string, searchStr string) bool {
	for _, value := range strSlice {
		if value == searchStr {
			return true
		}
	}
	return false
}

func roleARN(account, role string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", account, role)
}

func mfaSerial(account, username string) string {
	return fmt.Sprintf("arn:aws:iam::%s:mfa/%s", account, username)
}

// snapshotDescription is the human readable description put on every
// snapshot so it can be traced back to a ticket and a device.
func snapshotDescription(ticket string, v VolumeRef) string {
	return strings.Join([]string{ticket, v.InstanceID, v.DeviceName, v.VolumeID}, " | ")
}

func copyDescription(description string) string {
	return copyDescriptionPrefix + description
}

// objectKey composes the S3 key for one inventory category.
func objectKey(ticket, account, category string) string {
	return ticket + "/" + account + "/" + category
}

// isTerminal reports whether a snapshot state will never change again.
func isTerminal(state string) bool {
	return state == ec2.SnapshotStateCompleted || state == ec2.SnapshotStateError
}

// isLimitError reports whether err is AWS telling us we have too many
// operations in flight.
func isLimitError(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return containsString(limitErrorCodes, aerr.Code())
	}
	return false
}

func sortedKeys(m map[string]string) (keys []string) {
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
