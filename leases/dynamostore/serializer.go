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
package dynamostore

import (
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/shardkeeper/go-lease-renewer/leases"
)

// Attribute names of the lease table.
const (
	LeaseKeyKey         = "LeaseKey"
	LeaseOwnerKey       = "LeaseOwner"
	LeaseCounterKey     = "LeaseCounter"
	ConcurrencyTokenKey = "ConcurrencyToken"
	CheckpointKey       = "Checkpoint"
)

// fromDynamoRecord constructs a Lease out of a lease table record. The
// renewal timestamp is local-only state and is never part of the record.
func fromDynamoRecord(record map[string]*dynamodb.AttributeValue) *leases.Lease {
	return &leases.Lease{
		LeaseKey:         safeGetString(record, LeaseKeyKey),
		LeaseOwner:       safeGetString(record, LeaseOwnerKey),
		LeaseCounter:     safeGetLong(record, LeaseCounterKey),
		ConcurrencyToken: safeGetString(record, ConcurrencyTokenKey),
		Checkpoint:       safeGetString(record, CheckpointKey),
	}
}

// dynamoHashKey builds the attribute value map for a lease's hash key.
func dynamoHashKey(leaseKey string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		LeaseKeyKey: {S: aws.String(leaseKey)},
	}
}

func safeGetString(record map[string]*dynamodb.AttributeValue, key string) string {
	av := record[key]
	if av == nil || av.S == nil {
		return ""
	}
	return *av.S
}

func safeGetLong(record map[string]*dynamodb.AttributeValue, key string) int64 {
	av := record[key]
	if av == nil || av.N == nil {
		return 0
	}

	val, err := strconv.ParseInt(*av.N, 10, 64)
	if err != nil {
		return 0
	}
	return val
}
