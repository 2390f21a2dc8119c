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
	"strings"

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/shardkeeper/go-lease-renewer/logger"
	"github.com/shardkeeper/go-lease-renewer/metrics"
)

const (
	// Lease duration in milliseconds. A worker which does not renew its lease within
	// this time interval is regarded as having lost it, and its leases may be
	// assigned to other workers.
	DefaultLeaseDurationMillis = 10000

	// Interval in milliseconds between renewal passes over the held leases.
	// One third of the lease duration, so a lease survives two consecutive
	// failed passes before the local freshness window elapses.
	DefaultRenewalIntervalMillis = DefaultLeaseDurationMillis / 3

	// Overall deadline in milliseconds for a single renewal pass. A slow or
	// stuck store call cannot stall a pass past this bound.
	DefaultRenewalPassTimeoutMillis = DefaultRenewalIntervalMillis

	// Upper bound on concurrent store calls within one renewal pass.
	DefaultMaxParallelRenewals = 32

	// Number of attempts for retryable lease table operations.
	DefaultStoreRetries = 5

	// The DynamoDB table used for tracking leases will be provisioned with these
	// capacities when the library creates it.
	DefaultInitialLeaseTableReadCapacity  = 10
	DefaultInitialLeaseTableWriteCapacity = 10
)

// LeaseRenewerConfiguration holds the configuration for a lease renewer and
// its backing lease store.
type LeaseRenewerConfiguration struct {
	// ApplicationName is used as the metrics namespace and as the default
	// lease table name.
	ApplicationName string

	// TableName is the lease table in DynamoDB.
	TableName string

	// RegionName for the DynamoDB endpoint.
	RegionName string

	// WorkerID identifies this worker as the lease owner. Assigned a UUID
	// when left empty.
	WorkerID string

	// DynamoDBEndpoint is an optional endpoint override (e.g. local testing).
	DynamoDBEndpoint string

	// DynamoDBCredentials overrides the default credential chain.
	DynamoDBCredentials *credentials.Credentials

	// LeaseDurationMillis is the local freshness window. A held lease not
	// renewed within this window is presumed lost without contacting the store.
	LeaseDurationMillis int

	// RenewalIntervalMillis is the period between renewal passes.
	RenewalIntervalMillis int

	// RenewalPassTimeoutMillis bounds the overall duration of one renewal pass.
	RenewalPassTimeoutMillis int

	// MaxParallelRenewals bounds the number of in-flight store calls per pass.
	MaxParallelRenewals int

	// EvictOnStoreError drops a lease from the held set as soon as a renewal
	// fails with a transient store error, instead of leaving it for the next
	// pass. Trades lease churn for a shorter window of false ownership.
	EvictOnStoreError bool

	// StoreRetries is the number of attempts for retryable store operations.
	StoreRetries int

	InitialLeaseTableReadCapacity  int
	InitialLeaseTableWriteCapacity int

	// MonitoringService publishes lease metrics. Defaults to a no-op service.
	MonitoringService metrics.MonitoringService

	// Logger used by all library components.
	Logger logger.Logger
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		log.Panicf("Non-empty value expected for %v", key)
	}
}

// checkIsValuePositive makes sure the value is possitive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		log.Panicf("Positive value expected for %v", key)
	}
}
