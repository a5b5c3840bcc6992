package main

import (
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/appautoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecr"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lb"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const containerName = "container-backend-app"

// backendService is the containerised HTTP API behind the load balancer
type backendService struct {
	repository     *ecr.Repository
	cluster        *ecs.Cluster
	taskRole       *iam.Role
	taskRolePolicy *iam.RolePolicy
	taskDefinition *ecs.TaskDefinition
	loadBalancer   *lb.LoadBalancer
	targetGroup    *lb.TargetGroup
	service        *ecs.Service
	scalingTarget  *appautoscaling.Target
}

func newBackendService(ctx *pulumi.Context, cfg stackConfig, net *network, redis *cacheCluster, q *queues, t *tables) (*backendService, error) {
	b := &backendService{}

	repo, err := ecr.NewRepository(ctx, cfg.name("backend-app"), &ecr.RepositoryArgs{
		Name:               pulumi.String(cfg.name("backend-app")),
		ImageTagMutability: pulumi.String("MUTABLE"),
		ForceDelete:        pulumi.Bool(true),
		ImageScanningConfiguration: &ecr.RepositoryImageScanningConfigurationArgs{
			ScanOnPush: pulumi.Bool(true),
		},
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ECR repository: %w", err)
	}
	b.repository = repo

	logGroup, err := cloudwatch.NewLogGroup(ctx, cfg.name("backend-app-logs"), &cloudwatch.LogGroupArgs{
		Name:            pulumi.String(fmt.Sprintf("/ecs/%s", cfg.name("backend-app"))),
		RetentionInDays: pulumi.Int(cfg.LogRetentionDays),
		Tags:            cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	if err := b.createRoles(ctx, cfg, q, t); err != nil {
		return nil, err
	}

	cluster, err := ecs.NewCluster(ctx, cfg.name("cluster"), &ecs.ClusterArgs{
		Name: pulumi.String(cfg.name("cluster")),
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, err
	}
	b.cluster = cluster

	executionRole, err := newExecutionRole(ctx, cfg)
	if err != nil {
		return nil, err
	}

	containers := pulumi.All(
		repo.RepositoryUrl,
		redis.address,
		t.topics.Name,
		t.subscriptions.Name,
		q.messages.Url,
		logGroup.Name,
	).ApplyT(func(args []interface{}) (string, error) {
		env := map[string]string{
			"STAGE":                        cfg.Stage,
			"AWS_REGION":                   cfg.Region,
			"REDIS_ENDPOINT_ADDRESS":       args[1].(string),
			"REDIS_ENDPOINT_PORT":          strconv.Itoa(redisPort),
			"TOPICS_TABLE_NAME":            args[2].(string),
			"SUBSCRIPTIONS_TABLE_NAME":     args[3].(string),
			"SUBSCRIPTIONS_ENDPOINT_INDEX": subscriptionsEndpointIndex,
			"MESSAGES_QUEUE_URL":           args[4].(string),
			"HTTP_PORT":                    strconv.Itoa(appPort),
		}
		if cfg.RedisAuthSecretName != "" {
			env["REDIS_AUTH_SECRET_NAME"] = cfg.RedisAuthSecretName
		}
		return containerDefinitions(containerSpec{
			Name:        containerName,
			Image:       args[0].(string) + ":latest",
			Port:        appPort,
			Environment: env,
			LogGroup:    args[5].(string),
			Region:      cfg.Region,
		})
	}).(pulumi.StringOutput)

	taskDefinition, err := ecs.NewTaskDefinition(ctx, cfg.name("backend-app-task"), &ecs.TaskDefinitionArgs{
		Family:                  pulumi.String(cfg.name("backend-app")),
		Cpu:                     pulumi.String("256"),
		Memory:                  pulumi.String("512"),
		NetworkMode:             pulumi.String("awsvpc"),
		RequiresCompatibilities: pulumi.StringArray{pulumi.String("FARGATE")},
		ExecutionRoleArn:        executionRole.Arn,
		TaskRoleArn:             b.taskRole.Arn,
		ContainerDefinitions:    containers,
		Tags:                    cfg.tags(),
	})
	if err != nil {
		return nil, err
	}
	b.taskDefinition = taskDefinition

	listener, err := b.createLoadBalancer(ctx, cfg, net)
	if err != nil {
		return nil, err
	}

	serviceSG, err := newSecurityGroup(ctx, cfg, "service-sg", "Backend tasks", net.vpc, appPort, []string{vpcCIDR})
	if err != nil {
		return nil, err
	}

	service, err := ecs.NewService(ctx, cfg.name("backend-app-service"), &ecs.ServiceArgs{
		Name:           pulumi.String(cfg.name("backend-app")),
		Cluster:        cluster.Arn,
		TaskDefinition: taskDefinition.Arn,
		DesiredCount:   pulumi.Int(2),
		LaunchType:     pulumi.String("FARGATE"),
		NetworkConfiguration: &ecs.ServiceNetworkConfigurationArgs{
			Subnets:        net.privateSubnetIDs(),
			SecurityGroups: pulumi.StringArray{serviceSG.ID()},
			AssignPublicIp: pulumi.Bool(false),
		},
		LoadBalancers: ecs.ServiceLoadBalancerArray{
			&ecs.ServiceLoadBalancerArgs{
				TargetGroupArn: b.targetGroup.Arn,
				ContainerName:  pulumi.String(containerName),
				ContainerPort:  pulumi.Int(appPort),
			},
		},
		Tags: cfg.tags(),
	}, pulumi.DependsOn([]pulumi.Resource{listener}))
	if err != nil {
		return nil, err
	}
	b.service = service

	if err := b.createAutoscaling(ctx, cfg); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *backendService) createRoles(ctx *pulumi.Context, cfg stackConfig, q *queues, t *tables) error {
	taskRole, err := iam.NewRole(ctx, cfg.name("task-role"), &iam.RoleArgs{
		Name:             pulumi.String(cfg.name("task-role")),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
		Tags:             cfg.tags(),
	})
	if err != nil {
		return err
	}
	b.taskRole = taskRole

	policy, err := iam.NewRolePolicy(ctx, cfg.name("task-policy"), &iam.RolePolicyArgs{
		Role: taskRole.Name,
		Policy: pulumi.All(t.topics.Arn, t.subscriptions.Arn, q.messages.Arn).ApplyT(func(args []interface{}) (string, error) {
			return taskRolePolicy(args[0].(string), args[1].(string), args[2].(string), cfg.RedisAuthSecretName)
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return err
	}
	b.taskRolePolicy = policy

	return nil
}

func newExecutionRole(ctx *pulumi.Context, cfg stackConfig) (*iam.Role, error) {
	role, err := iam.NewRole(ctx, cfg.name("execution-role"), &iam.RoleArgs{
		Name:             pulumi.String(cfg.name("execution-role")),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
		Tags:             cfg.tags(),
	})
	if err != nil {
		return nil, err
	}

	policy, err := executionRolePolicy()
	if err != nil {
		return nil, err
	}

	if _, err := iam.NewRolePolicy(ctx, cfg.name("execution-policy"), &iam.RolePolicyArgs{
		Role:   role.Name,
		Policy: pulumi.String(policy),
	}); err != nil {
		return nil, err
	}

	return role, nil
}

// createLoadBalancer creates the internet-facing ALB listening on 80 and
// forwarding to the tasks on 5000
func (b *backendService) createLoadBalancer(ctx *pulumi.Context, cfg stackConfig, net *network) (*lb.Listener, error) {
	albSG, err := newSecurityGroup(ctx, cfg, "alb-sg", "Public HTTP", net.vpc, 80, []string{"0.0.0.0/0"})
	if err != nil {
		return nil, err
	}

	alb, err := lb.NewLoadBalancer(ctx, cfg.name("alb"), &lb.LoadBalancerArgs{
		Name:             pulumi.String(cfg.name("alb")),
		Internal:         pulumi.Bool(false),
		LoadBalancerType: pulumi.String("application"),
		SecurityGroups:   pulumi.StringArray{albSG.ID()},
		Subnets:          net.publicSubnetIDs(),
		Tags:             cfg.tags(),
	})
	if err != nil {
		return nil, err
	}
	b.loadBalancer = alb

	tg, err := lb.NewTargetGroup(ctx, cfg.name("tg"), &lb.TargetGroupArgs{
		Name:       pulumi.String(cfg.name("tg")),
		Port:       pulumi.Int(appPort),
		Protocol:   pulumi.String("HTTP"),
		TargetType: pulumi.String("ip"),
		VpcId:      net.vpc.ID(),
		HealthCheck: &lb.TargetGroupHealthCheckArgs{
			Path:               pulumi.String("/"),
			Matcher:            pulumi.String("200"),
			Interval:           pulumi.Int(30),
			HealthyThreshold:   pulumi.Int(2),
			UnhealthyThreshold: pulumi.Int(3),
		},
		Tags: cfg.tags(),
	})
	if err != nil {
		return nil, err
	}
	b.targetGroup = tg

	return lb.NewListener(ctx, cfg.name("http-listener"), &lb.ListenerArgs{
		LoadBalancerArn: alb.Arn,
		Port:            pulumi.Int(80),
		Protocol:        pulumi.String("HTTP"),
		DefaultActions: lb.ListenerDefaultActionArray{
			&lb.ListenerDefaultActionArgs{
				Type:           pulumi.String("forward"),
				TargetGroupArn: tg.Arn,
			},
		},
		Tags: cfg.tags(),
	})
}

// createAutoscaling keeps between 2 and 6 tasks, tracking 50% CPU
func (b *backendService) createAutoscaling(ctx *pulumi.Context, cfg stackConfig) error {
	target, err := appautoscaling.NewTarget(ctx, cfg.name("scaling-target"), &appautoscaling.TargetArgs{
		MinCapacity:       pulumi.Int(2),
		MaxCapacity:       pulumi.Int(6),
		ResourceId:        pulumi.Sprintf("service/%s/%s", b.cluster.Name, b.service.Name),
		ScalableDimension: pulumi.String("ecs:service:DesiredCount"),
		ServiceNamespace:  pulumi.String("ecs"),
	})
	if err != nil {
		return err
	}
	b.scalingTarget = target

	_, err = appautoscaling.NewPolicy(ctx, cfg.name("cpu-scaling"), &appautoscaling.PolicyArgs{
		Name:              pulumi.String(cfg.name("cpu-scaling")),
		PolicyType:        pulumi.String("TargetTrackingScaling"),
		ResourceId:        target.ResourceId,
		ScalableDimension: target.ScalableDimension,
		ServiceNamespace:  target.ServiceNamespace,
		TargetTrackingScalingPolicyConfiguration: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationArgs{
			TargetValue:      pulumi.Float64(50),
			ScaleInCooldown:  pulumi.Int(60),
			ScaleOutCooldown: pulumi.Int(60),
			PredefinedMetricSpecification: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationPredefinedMetricSpecificationArgs{
				PredefinedMetricType: pulumi.String("ECSServiceAverageCPUUtilization"),
			},
		},
	})
	return err
}
