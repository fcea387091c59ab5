package lifecycle

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"taskbox/internal/common"
)

// Teardown 按启动层级的逆序停止并删除容器。尽力而为：一个容器失败不会中断
// 其余容器的清理，所有错误合并返回
func Teardown(ctx context.Context, levels [][]*Container) error {
	logger := common.ComponentLogger("container-lifecycle")
	var errs error

	for i := len(levels) - 1; i >= 0; i-- {
		level := levels[i]
		for j := len(level) - 1; j >= 0; j-- {
			c := level[j]
			if c == nil || !c.Started() {
				continue
			}

			if err := c.Stop(ctx); err != nil {
				logger.Warn("Failed to stop container", zap.String("container", c.String()), zap.Error(err))
				errs = multierr.Append(errs, c.WrapError(err))
			}
			if err := c.Remove(ctx); err != nil {
				logger.Warn("Failed to remove container", zap.String("container", c.String()), zap.Error(err))
				errs = multierr.Append(errs, c.WrapError(err))
			}
		}
	}
	return errs
}
