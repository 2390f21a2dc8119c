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
package config

import (
	"log"

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/shardkeeper/go-lease-renewer/logger"
	"github.com/shardkeeper/go-lease-renewer/metrics"
	"github.com/shardkeeper/go-lease-renewer/utils"
)

// NewLeaseRenewerConfig creates a default LeaseRenewerConfiguration based on the required fields.
func NewLeaseRenewerConfig(applicationName, tableName, regionName, workerID string) *LeaseRenewerConfiguration {
	return NewLeaseRenewerConfigWithCredentials(applicationName, tableName, regionName, workerID, nil)
}

// NewLeaseRenewerConfigWithCredentials creates a default LeaseRenewerConfiguration based on the
// required fields and specific credentials for the lease store.
func NewLeaseRenewerConfigWithCredentials(applicationName, tableName, regionName, workerID string,
	dynamodbCreds *credentials.Credentials) *LeaseRenewerConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)
	checkIsValueNotEmpty("TableName", tableName)
	checkIsValueNotEmpty("RegionName", regionName)

	if empty(workerID) {
		workerID = utils.MustNewUUID()
	}

	// populate the configuration with default values
	return &LeaseRenewerConfiguration{
		ApplicationName:                applicationName,
		TableName:                      tableName,
		RegionName:                     regionName,
		WorkerID:                       workerID,
		DynamoDBCredentials:            dynamodbCreds,
		LeaseDurationMillis:            DefaultLeaseDurationMillis,
		RenewalIntervalMillis:          DefaultRenewalIntervalMillis,
		RenewalPassTimeoutMillis:       DefaultRenewalPassTimeoutMillis,
		MaxParallelRenewals:            DefaultMaxParallelRenewals,
		StoreRetries:                   DefaultStoreRetries,
		InitialLeaseTableReadCapacity:  DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity: DefaultInitialLeaseTableWriteCapacity,
		Logger:                         logger.GetDefaultLogger(),
	}
}

// WithDynamoDBEndpoint is used to provide an alternative DynamoDB endpoint.
func (c *LeaseRenewerConfiguration) WithDynamoDBEndpoint(dynamoDBEndpoint string) *LeaseRenewerConfiguration {
	c.DynamoDBEndpoint = dynamoDBEndpoint
	return c
}

// WithLeaseDurationMillis configures the local freshness window.
func (c *LeaseRenewerConfiguration) WithLeaseDurationMillis(leaseDurationMillis int) *LeaseRenewerConfiguration {
	checkIsValuePositive("LeaseDurationMillis", leaseDurationMillis)
	c.LeaseDurationMillis = leaseDurationMillis
	return c
}

// WithRenewalIntervalMillis configures the period between renewal passes.
func (c *LeaseRenewerConfiguration) WithRenewalIntervalMillis(renewalIntervalMillis int) *LeaseRenewerConfiguration {
	checkIsValuePositive("RenewalIntervalMillis", renewalIntervalMillis)
	c.RenewalIntervalMillis = renewalIntervalMillis
	return c
}

// WithRenewalPassTimeoutMillis bounds the overall duration of one renewal pass.
func (c *LeaseRenewerConfiguration) WithRenewalPassTimeoutMillis(renewalPassTimeoutMillis int) *LeaseRenewerConfiguration {
	checkIsValuePositive("RenewalPassTimeoutMillis", renewalPassTimeoutMillis)
	c.RenewalPassTimeoutMillis = renewalPassTimeoutMillis
	return c
}

// WithMaxParallelRenewals bounds in-flight store calls per renewal pass.
func (c *LeaseRenewerConfiguration) WithMaxParallelRenewals(maxParallelRenewals int) *LeaseRenewerConfiguration {
	checkIsValuePositive("MaxParallelRenewals", maxParallelRenewals)
	c.MaxParallelRenewals = maxParallelRenewals
	return c
}

// WithEvictOnStoreError configures whether a transient store failure evicts the
// lease immediately instead of leaving it for the next pass.
func (c *LeaseRenewerConfiguration) WithEvictOnStoreError(evict bool) *LeaseRenewerConfiguration {
	c.EvictOnStoreError = evict
	return c
}

// WithStoreRetries configures attempts for retryable lease table operations.
func (c *LeaseRenewerConfiguration) WithStoreRetries(retries int) *LeaseRenewerConfiguration {
	checkIsValuePositive("StoreRetries", retries)
	c.StoreRetries = retries
	return c
}

// WithInitialLeaseTableReadCapacity configures read capacity used when creating the lease table.
func (c *LeaseRenewerConfiguration) WithInitialLeaseTableReadCapacity(readCapacity int) *LeaseRenewerConfiguration {
	checkIsValuePositive("InitialLeaseTableReadCapacity", readCapacity)
	c.InitialLeaseTableReadCapacity = readCapacity
	return c
}

// WithInitialLeaseTableWriteCapacity configures write capacity used when creating the lease table.
func (c *LeaseRenewerConfiguration) WithInitialLeaseTableWriteCapacity(writeCapacity int) *LeaseRenewerConfiguration {
	checkIsValuePositive("InitialLeaseTableWriteCapacity", writeCapacity)
	c.InitialLeaseTableWriteCapacity = writeCapacity
	return c
}

// WithMonitoringService sets the monitoring service to publish lease metrics.
func (c *LeaseRenewerConfiguration) WithMonitoringService(mService metrics.MonitoringService) *LeaseRenewerConfiguration {
	// Nil monitoring service is allowed; the renewer replaces it with a no-op service.
	c.MonitoringService = mService
	return c
}

// WithLogger sets the logger used by all library components.
func (c *LeaseRenewerConfiguration) WithLogger(logger logger.Logger) *LeaseRenewerConfiguration {
	if logger == nil {
		log.Panicf("Logger cannot be null")
	}

	c.Logger = logger
	return c
}
