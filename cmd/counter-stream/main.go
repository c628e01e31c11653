// Command counter-stream is the Lambda function that keeps school and user
// counters in step with the follow, like, attend and review streams.
//
// Configuration is read from the file named by EDJAB_CONFIG, if set, and
// the EDJAB_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/edjab/dbclient/config"
	"github.com/edjab/dbclient/edjab"
	"github.com/edjab/dbclient/stream"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("EDJAB_CONFIG"))
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := config.NewDynamoDBClient(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	client, err := edjab.New(db, cfg, edjab.WithLogger(logger))
	if err != nil {
		return err
	}

	handler := stream.NewCounterHandler(client, stream.DefaultRules(cfg.Tables), logger.Named("stream"))
	logger.Info("counter stream handler initialized",
		zap.String("region", cfg.AWS.Region),
		zap.String("partition", cfg.Partition),
	)
	lambda.Start(handler.Handle)
	return nil
}
