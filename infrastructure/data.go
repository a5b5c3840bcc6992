package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/dynamodb"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/elasticache"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/sqs"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const subscriptionsEndpointIndex = "endpoint-topic_name-index"

type cacheCluster struct {
	cluster *elasticache.Cluster
	address pulumi.StringOutput
}

// newCacheCluster creates a single-node Redis cluster in the private subnets,
// reachable on 6379 from inside the VPC
func newCacheCluster(ctx *pulumi.Context, cfg stackConfig, net *network) (*cacheCluster, error) {
	subnetGroup, err := elasticache.NewSubnetGroup(ctx, cfg.name("redis-subnets"), &elasticache.SubnetGroupArgs{
		Name:      pulumi.String(cfg.name("redis-subnets")),
		SubnetIds: net.privateSubnetIDs(),
		Tags:      cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	sg, err := newSecurityGroup(ctx, cfg, "redis-sg", "Redis access from the VPC", net.vpc, redisPort, []string{vpcCIDR})
	if err != nil {
		return nil, err
	}

	cluster, err := elasticache.NewCluster(ctx, cfg.name("redis"), &elasticache.ClusterArgs{
		ClusterId:        pulumi.String(cfg.name("redis")),
		Engine:           pulumi.String("redis"),
		NodeType:         pulumi.String("cache.m5.large"),
		NumCacheNodes:    pulumi.Int(1),
		Port:             pulumi.Int(redisPort),
		SubnetGroupName:  subnetGroup.Name,
		SecurityGroupIds: pulumi.StringArray{sg.ID()},
		Tags:             cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	return &cacheCluster{
		cluster: cluster,
		address: cluster.CacheNodes.Index(pulumi.Int(0)).Address().Elem(),
	}, nil
}

type queues struct {
	deadLetter *sqs.Queue
	messages   *sqs.Queue
}

// newQueues creates the messages queue and its dead-letter queue
func newQueues(ctx *pulumi.Context, cfg stackConfig) (*queues, error) {
	dlq, err := sqs.NewQueue(ctx, cfg.name("messages-dlq"), &sqs.QueueArgs{
		Name:                    pulumi.String(cfg.name("messages-dlq")),
		MessageRetentionSeconds: pulumi.Int(1209600), // 14 days
		Tags:                    cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	messages, err := sqs.NewQueue(ctx, cfg.name("messages"), &sqs.QueueArgs{
		Name:                     pulumi.String(cfg.name("messages")),
		DelaySeconds:             pulumi.Int(0),
		VisibilityTimeoutSeconds: pulumi.Int(30),
		ReceiveWaitTimeSeconds:   pulumi.Int(20),
		RedrivePolicy: dlq.Arn.ApplyT(func(arn string) (string, error) {
			return redrivePolicy(arn, maxReceiveCount)
		}).(pulumi.StringOutput),
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	return &queues{
		deadLetter: dlq,
		messages:   messages,
	}, nil
}

type tables struct {
	topics        *dynamodb.Table
	subscriptions *dynamodb.Table
}

// newTables creates the Topics table keyed by topic_arn and the
// Subscriptions table keyed by subscription_arn with a reverse lookup index
// on (endpoint, topic_name)
func newTables(ctx *pulumi.Context, cfg stackConfig) (*tables, error) {
	topics, err := dynamodb.NewTable(ctx, cfg.name("topics"), &dynamodb.TableArgs{
		Name:        pulumi.String(cfg.name("topics")),
		BillingMode: pulumi.String("PAY_PER_REQUEST"),
		HashKey:     pulumi.String("topic_arn"),
		Attributes: dynamodb.TableAttributeArray{
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("topic_arn"),
				Type: pulumi.String("S"),
			},
		},
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	subscriptions, err := dynamodb.NewTable(ctx, cfg.name("subscriptions"), &dynamodb.TableArgs{
		Name:        pulumi.String(cfg.name("subscriptions")),
		BillingMode: pulumi.String("PAY_PER_REQUEST"),
		HashKey:     pulumi.String("subscription_arn"),
		Attributes: dynamodb.TableAttributeArray{
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("subscription_arn"),
				Type: pulumi.String("S"),
			},
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("endpoint"),
				Type: pulumi.String("S"),
			},
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("topic_name"),
				Type: pulumi.String("S"),
			},
		},
		GlobalSecondaryIndexes: dynamodb.TableGlobalSecondaryIndexArray{
			&dynamodb.TableGlobalSecondaryIndexArgs{
				Name:           pulumi.String(subscriptionsEndpointIndex),
				HashKey:        pulumi.String("endpoint"),
				RangeKey:       pulumi.String("topic_name"),
				ProjectionType: pulumi.String("ALL"),
			},
		},
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	return &tables{
		topics:        topics,
		subscriptions: subscriptions,
	}, nil
}
