// Package cli implements the shiplog command-line interface using Cobra.
// shiplog runs one command in a Docker container and relays the
// container's output to a CloudWatch Logs group/stream.
package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiplog/shiplog/internal/cloudwatch"
	"github.com/shiplog/shiplog/internal/config"
	"github.com/shiplog/shiplog/internal/docker"
	"github.com/shiplog/shiplog/internal/log"
	"github.com/shiplog/shiplog/internal/runner"
)

var (
	dockerImage    string
	bashCommand    string
	awsGroup       string
	awsStream      string
	awsAccessKeyID string
	awsSecretKey   string
	awsRegion      string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "shiplog",
	Short: "Run a command in a Docker container and ship its logs to CloudWatch",
	Long: `shiplog starts a container from the given image, runs the given
command inside it under bash -c, and forwards the container's combined
stdout/stderr to an AWS CloudWatch Logs group/stream while the command
is still running.

The log group and stream are created if they do not exist. The container
is stopped and removed when the command finishes or when shiplog is
interrupted.

Example:
  shiplog \
    --docker-image python \
    --bash-command 'pip install pip -U && pip install tqdm && python -u -c "..."' \
    --aws-cloudwatch-group test-task-group-1 \
    --aws-cloudwatch-stream test-task-stream-1 \
    --aws-access-key-id ... \
    --aws-secret-access-key ... \
    --aws-region us-west-2`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			globalCfg, _ := config.LoadGlobal()
			level = globalCfg.LogLevel
		}
		return log.Init(log.Options{Level: level})
	},
	RunE: runShip,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runShip(cmd *cobra.Command, args []string) error {
	globalCfg, _ := config.LoadGlobal()

	// First SIGINT/SIGTERM cancels the run; cleanup still stops and
	// removes the container and flushes buffered events.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	cwClient, err := cloudwatch.NewClient(ctx, awsRegion, cloudwatch.Credentials{
		AccessKeyID:     awsAccessKeyID,
		SecretAccessKey: awsSecretKey,
	}, awsGroup, awsStream)
	if err != nil {
		return err
	}

	log.Debug("starting run",
		"image", dockerImage,
		"group", awsGroup,
		"stream", awsStream,
		"region", awsRegion,
	)

	r := runner.New(dockerClient, cwClient, runner.Options{
		Image:          dockerImage,
		Command:        bashCommand,
		FlushInterval:  globalCfg.Relay.FlushInterval,
		MaxBatchEvents: globalCfg.Relay.MaxBatchEvents,
		StopTimeout:    globalCfg.Docker.StopTimeout,
	})

	code, err := r.Run(ctx)
	if err != nil {
		log.Error("run failed", "error", err)
		return err
	}
	if code != 0 {
		return fmt.Errorf("container command exited with status %d", code)
	}
	return nil
}

func init() {
	rootCmd.Flags().StringVar(&dockerImage, "docker-image", "", "Docker image name")
	rootCmd.Flags().StringVar(&bashCommand, "bash-command", "", "command to run in the container (wrapped with bash -c)")
	rootCmd.Flags().StringVar(&awsGroup, "aws-cloudwatch-group", "", "CloudWatch Logs group name")
	rootCmd.Flags().StringVar(&awsStream, "aws-cloudwatch-stream", "", "CloudWatch Logs stream name")
	rootCmd.Flags().StringVar(&awsAccessKeyID, "aws-access-key-id", "", "AWS access key ID")
	rootCmd.Flags().StringVar(&awsSecretKey, "aws-secret-access-key", "", "AWS secret access key")
	rootCmd.Flags().StringVar(&awsRegion, "aws-region", "", "AWS region")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warning, error or critical (default info)")

	for _, name := range []string{
		"docker-image",
		"bash-command",
		"aws-cloudwatch-group",
		"aws-cloudwatch-stream",
		"aws-access-key-id",
		"aws-secret-access-key",
		"aws-region",
	} {
		_ = rootCmd.MarkFlagRequired(name)
	}
}
