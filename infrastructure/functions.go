package main

import (
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const vpcAccessPolicyArn = "arn:aws:iam::aws:policy/service-role/AWSLambdaVPCAccessExecutionRole"

type functions struct {
	sendMessages       *lambda.Function
	sendMessagesPolicy *iam.RolePolicy
	sendMessagesSource *lambda.EventSourceMapping
	deadLetter         *lambda.Function
}

// newFunctions creates the SendMessages fanout Lambda fed by the messages
// queue and the DeadLetter Lambda fed by the dead-letter queue
func newFunctions(ctx *pulumi.Context, cfg stackConfig, net *network, redis *cacheCluster, q *queues, t *tables) (*functions, error) {
	f := &functions{}

	if err := f.createSendMessages(ctx, cfg, net, redis, q, t); err != nil {
		return nil, err
	}

	if err := f.createDeadLetter(ctx, cfg, q); err != nil {
		return nil, err
	}

	return f, nil
}

func newLambdaRole(ctx *pulumi.Context, cfg stackConfig, name string) (*iam.Role, error) {
	return iam.NewRole(ctx, cfg.name(name), &iam.RoleArgs{
		Name:             pulumi.String(cfg.name(name)),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("lambda.amazonaws.com")),
		Tags:             cfg.tags(),
	})
}

func newLambdaLogGroup(ctx *pulumi.Context, cfg stackConfig, functionName string) (*cloudwatch.LogGroup, error) {
	return cloudwatch.NewLogGroup(ctx, cfg.name(functionName+"-logs"), &cloudwatch.LogGroupArgs{
		Name:            pulumi.String(fmt.Sprintf("/aws/lambda/%s", cfg.name(functionName))),
		RetentionInDays: pulumi.Int(cfg.LogRetentionDays),
		Tags:            cfg.tags(),
	})
}

func (f *functions) createSendMessages(ctx *pulumi.Context, cfg stackConfig, net *network, redis *cacheCluster, q *queues, t *tables) error {
	role, err := newLambdaRole(ctx, cfg, "sendmessages-role")
	if err != nil {
		return err
	}

	if _, err := iam.NewRolePolicyAttachment(ctx, cfg.name("sendmessages-vpc-access"), &iam.RolePolicyAttachmentArgs{
		Role:      role.Name,
		PolicyArn: pulumi.String(vpcAccessPolicyArn),
	}); err != nil {
		return err
	}

	policy, err := iam.NewRolePolicy(ctx, cfg.name("sendmessages-policy"), &iam.RolePolicyArgs{
		Role: role.Name,
		Policy: pulumi.All(t.topics.Arn, q.messages.Arn).ApplyT(func(args []interface{}) (string, error) {
			return sendMessagesPolicy(args[0].(string), args[1].(string), cfg.RedisAuthSecretName)
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return err
	}
	f.sendMessagesPolicy = policy

	logGroup, err := newLambdaLogGroup(ctx, cfg, "sendmessages")
	if err != nil {
		return err
	}

	lambdaSG, err := newSecurityGroup(ctx, cfg, "sendmessages-sg", "SendMessages Lambda", net.vpc, 0, nil)
	if err != nil {
		return err
	}

	env := pulumi.StringMap{
		"STAGE":                  pulumi.String(cfg.Stage),
		"TOPICS_TABLE_NAME":      t.topics.Name,
		"REDIS_ENDPOINT_ADDRESS": redis.address,
		"REDIS_ENDPOINT_PORT":    pulumi.String(strconv.Itoa(redisPort)),
	}
	if cfg.RedisAuthSecretName != "" {
		env["REDIS_AUTH_SECRET_NAME"] = pulumi.String(cfg.RedisAuthSecretName)
	}

	fn, err := lambda.NewFunction(ctx, cfg.name("sendmessages"), &lambda.FunctionArgs{
		Name:                         pulumi.String(cfg.name("sendmessages")),
		Runtime:                      pulumi.String("provided.al2"),
		Role:                         role.Arn,
		Handler:                      pulumi.String("bootstrap"),
		Code:                         pulumi.NewFileArchive("../build/sendmessages.zip"),
		MemorySize:                   pulumi.Int(1024),
		ReservedConcurrentExecutions: pulumi.Int(50),
		Timeout:                      pulumi.Int(10),
		VpcConfig: &lambda.FunctionVpcConfigArgs{
			SubnetIds:        net.privateSubnetIDs(),
			SecurityGroupIds: pulumi.StringArray{lambdaSG.ID()},
		},
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: env,
		},
		Tags: cfg.tags(),
	}, pulumi.DependsOn([]pulumi.Resource{logGroup, policy}))
	if err != nil {
		return err
	}
	f.sendMessages = fn

	source, err := lambda.NewEventSourceMapping(ctx, cfg.name("sendmessages-sqs-trigger"), &lambda.EventSourceMappingArgs{
		EventSourceArn:        q.messages.Arn,
		FunctionName:          fn.Arn,
		BatchSize:             pulumi.Int(10),
		Enabled:               pulumi.Bool(true),
		FunctionResponseTypes: pulumi.StringArray{pulumi.String("ReportBatchItemFailures")},
	})
	if err != nil {
		return err
	}
	f.sendMessagesSource = source

	return nil
}

func (f *functions) createDeadLetter(ctx *pulumi.Context, cfg stackConfig, q *queues) error {
	role, err := newLambdaRole(ctx, cfg, "deadletter-role")
	if err != nil {
		return err
	}

	policy, err := iam.NewRolePolicy(ctx, cfg.name("deadletter-policy"), &iam.RolePolicyArgs{
		Role: role.Name,
		Policy: q.deadLetter.Arn.ApplyT(func(arn string) (string, error) {
			return deadLetterPolicy(arn)
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return err
	}

	logGroup, err := newLambdaLogGroup(ctx, cfg, "deadletter")
	if err != nil {
		return err
	}

	fn, err := lambda.NewFunction(ctx, cfg.name("deadletter"), &lambda.FunctionArgs{
		Name:       pulumi.String(cfg.name("deadletter")),
		Runtime:    pulumi.String("provided.al2"),
		Role:       role.Arn,
		Handler:    pulumi.String("bootstrap"),
		Code:       pulumi.NewFileArchive("../build/deadletter.zip"),
		MemorySize: pulumi.Int(128),
		Timeout:    pulumi.Int(30),
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: pulumi.StringMap{
				"STAGE":             pulumi.String(cfg.Stage),
				"ALERT_WEBHOOK_URL": pulumi.String(cfg.AlertWebhookURL),
			},
		},
		Tags: cfg.tags(),
	}, pulumi.DependsOn([]pulumi.Resource{logGroup, policy}))
	if err != nil {
		return err
	}
	f.deadLetter = fn

	_, err = lambda.NewEventSourceMapping(ctx, cfg.name("deadletter-sqs-trigger"), &lambda.EventSourceMappingArgs{
		EventSourceArn:        q.deadLetter.Arn,
		FunctionName:          fn.Arn,
		BatchSize:             pulumi.Int(10),
		Enabled:               pulumi.Bool(true),
		FunctionResponseTypes: pulumi.StringArray{pulumi.String("ReportBatchItemFailures")},
	})
	return err
}
