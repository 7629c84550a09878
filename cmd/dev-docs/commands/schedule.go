package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-docs/internal/core/batch"
)

// ScheduleAction は Cron スケジュールに従って対象リポジトリを投入し続けるコマンドのアクション
func ScheduleAction(ctx context.Context, cmd *cli.Command) error {
	targets, err := targetsFromCommand(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobCfg, err := jobConfigFromCommand(cmd, appCtx.Config.JobConfig())
	if err != nil {
		return err
	}

	logger := appCtx.Logger()
	submitter := batch.NewPeriodicSubmitter(batch.Config{
		CronSchedule: cmd.String("cron"),
		Targets:      targets,
		JobConfig:    mo.Some(jobCfg),
	}, appCtx.Controller(), logger)

	if cmd.Bool("run-now") {
		if _, err := submitter.RunOnce(ctx); err != nil && !errors.Is(err, batch.ErrPreviousBatchRunning) {
			return err
		}
	}

	if err := submitter.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	submitter.Stop()

	logger.Info("スケジュール実行を終了します", slog.String("stats", appCtx.Controller().Stats().String()))
	return nil
}
