/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package dynamostore implements the lease store on a DynamoDB table with
// conditional writes keyed by the lease's concurrency token.
package dynamostore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/shardkeeper/go-lease-renewer/config"
	"github.com/shardkeeper/go-lease-renewer/leases"
	"github.com/shardkeeper/go-lease-renewer/logger"
	"github.com/shardkeeper/go-lease-renewer/utils"
)

// DynamoLeaseStore implements leases.LeaseStore using a DynamoDB table.
// Every renew/update is an UpdateItem conditioned on the stored concurrency
// token, so a write succeeds iff the caller's token is current. The store
// mints a fresh token on each successful write.
type DynamoLeaseStore struct {
	TableName string

	svc           dynamodbiface.DynamoDBAPI
	retries       int
	readCapacity  int64
	writeCapacity int64
	storeConfig   *config.LeaseRenewerConfiguration
	log           logger.Logger
}

// NewDynamoLeaseStore creates a lease store against the table named in the
// configuration. Call Init before use.
func NewDynamoLeaseStore(storeConfig *config.LeaseRenewerConfiguration) *DynamoLeaseStore {
	return &DynamoLeaseStore{
		TableName:     storeConfig.TableName,
		retries:       storeConfig.StoreRetries,
		readCapacity:  int64(storeConfig.InitialLeaseTableReadCapacity),
		writeCapacity: int64(storeConfig.InitialLeaseTableWriteCapacity),
		storeConfig:   storeConfig,
		log:           storeConfig.Logger,
	}
}

// WithDynamoDB is used to provide a DynamoDB service for either custom
// implementation or unit testing.
func (s *DynamoLeaseStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoLeaseStore {
	s.svc = svc
	return s
}

// Init creates the DynamoDB session and makes sure the lease table exists.
func (s *DynamoLeaseStore) Init() error {
	if s.svc == nil {
		s.log.Infof("Creating DynamoDB session")

		se, err := session.NewSession(&aws.Config{
			Region:      aws.String(s.storeConfig.RegionName),
			Endpoint:    aws.String(s.storeConfig.DynamoDBEndpoint),
			Credentials: s.storeConfig.DynamoDBCredentials,
			Retryer: client.DefaultRetryer{
				NumMaxRetries:    s.retries,
				MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
				MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
				MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
				MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
			},
		})
		if err != nil {
			// no need to move forward
			s.log.Fatalf("Failed in getting DynamoDB session for lease store: %+v", err)
		}
		s.svc = dynamodb.New(se)
	}

	if !s.doesTableExist() {
		return s.createLeaseTable()
	}
	return nil
}

// RenewLease conditionally renews the lease, bumping the stored counter and
// assigning a fresh concurrency token.
func (s *DynamoLeaseStore) RenewLease(ctx context.Context, lease *leases.Lease) (string, error) {
	return s.conditionalWrite(ctx, lease.LeaseKey, lease.ConcurrencyToken, nil)
}

// UpdateLease conditionally persists the checkpoint against the lease,
// bumping the stored counter and assigning a fresh concurrency token.
func (s *DynamoLeaseStore) UpdateLease(ctx context.Context, lease *leases.Lease, checkpoint string, expectedToken string) (string, error) {
	return s.conditionalWrite(ctx, lease.LeaseKey, expectedToken, &checkpoint)
}

// ListLeasesOwnedBy scans the lease table for leases attributed to the owner,
// retrying transient scan failures.
func (s *DynamoLeaseStore) ListLeasesOwnedBy(ctx context.Context, owner string) ([]*leases.Lease, error) {
	var owned []*leases.Lease

	err := try.Do(func(attempt int) (bool, error) {
		var err error
		owned, err = s.scanOwnedBy(ctx, owner)
		return attempt < s.retries, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing leases owned by %s: %w", owner, err)
	}
	return owned, nil
}

func (s *DynamoLeaseStore) scanOwnedBy(ctx context.Context, owner string) ([]*leases.Lease, error) {
	var owned []*leases.Lease

	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.TableName),
		FilterExpression: aws.String(LeaseOwnerKey + " = :owner"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(owner)},
		},
	}
	for {
		output, err := s.svc.ScanWithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, record := range output.Items {
			owned = append(owned, fromDynamoRecord(record))
		}
		if output.LastEvaluatedKey == nil {
			return owned, nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

// conditionalWrite performs the token-fenced write shared by renew and
// update: counter+1 and a freshly minted token, plus the checkpoint when one
// is supplied. A failed condition is classified as ErrLeaseNotFound or
// ErrTokenMismatch by reading the record back.
func (s *DynamoLeaseStore) conditionalWrite(ctx context.Context, leaseKey, expectedToken string, checkpoint *string) (string, error) {
	newToken := utils.MustNewUUID()

	updateExpression := "SET " + LeaseCounterKey + " = " + LeaseCounterKey + " + :one, " +
		ConcurrencyTokenKey + " = :newToken"
	values := map[string]*dynamodb.AttributeValue{
		":one":           {N: aws.String("1")},
		":newToken":      {S: aws.String(newToken)},
		":expectedToken": {S: aws.String(expectedToken)},
	}
	if checkpoint != nil {
		updateExpression += ", " + CheckpointKey + " = :checkpoint"
		values[":checkpoint"] = &dynamodb.AttributeValue{S: checkpoint}
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.TableName),
		Key:                       dynamoHashKey(leaseKey),
		UpdateExpression:          aws.String(updateExpression),
		ConditionExpression:       aws.String("attribute_exists(" + LeaseKeyKey + ") AND " + ConcurrencyTokenKey + " = :expectedToken"),
		ExpressionAttributeValues: values,
	}

	_, err := s.svc.UpdateItemWithContext(ctx, input)
	if err == nil {
		return newToken, nil
	}
	if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
		return "", s.classifyConditionFailure(ctx, leaseKey)
	}
	return "", fmt.Errorf("conditional write to lease %s: %w", leaseKey, err)
}

// classifyConditionFailure distinguishes a vanished lease from a lost token
// race. When the read-back itself fails we report a token mismatch, the
// conservative answer: the caller evicts either way.
func (s *DynamoLeaseStore) classifyConditionFailure(ctx context.Context, leaseKey string) error {
	output, err := s.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            dynamoHashKey(leaseKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		s.log.Warnf("Could not read lease %s back after failed condition: %+v", leaseKey, err)
		return leases.ErrTokenMismatch
	}
	if len(output.Item) == 0 {
		return leases.ErrLeaseNotFound
	}
	return leases.ErrTokenMismatch
}

func (s *DynamoLeaseStore) doesTableExist() bool {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	}
	_, err := s.svc.DescribeTable(input)
	return err == nil
}

func (s *DynamoLeaseStore) createLeaseTable() error {
	s.log.Infof("Creating lease table %s", s.TableName)

	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String(dynamodb.KeyTypeHash),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(s.readCapacity),
			WriteCapacityUnits: aws.Int64(s.writeCapacity),
		},
		TableName: aws.String(s.TableName),
	}
	if _, err := s.svc.CreateTable(input); err != nil {
		return fmt.Errorf("creating lease table %s: %w", s.TableName, err)
	}
	return nil
}

// WaitUntilLeaseTableExists blocks until the lease table is active by polling
// DescribeTable, or the timeout is reached.
func (s *DynamoLeaseStore) WaitUntilLeaseTableExists(secondsBetweenPolls, timeoutSeconds int) bool {
	delay := time.Duration(secondsBetweenPolls) * time.Second
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	for time.Now().Before(deadline) {
		if s.tableStatus() == dynamodb.TableStatusActive {
			return true
		}
		s.log.Debugf("Lease table %s not yet active, sleeping %v", s.TableName, delay)
		time.Sleep(delay)
	}
	return false
}

func (s *DynamoLeaseStore) tableStatus() string {
	output, err := s.svc.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	})
	if err != nil {
		return ""
	}
	return aws.StringValue(output.Table.TableStatus)
}
