package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskbox/internal/common"
	"taskbox/internal/config"
)

// waitUntilHealthy 按固定间隔在容器内执行健康检查命令，直到成功、
// 启动期之后连续失败次数达到 Retries 或 ctx 取消
func (c *Container) waitUntilHealthy(ctx context.Context, check config.HealthCheckConfig) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()

	started := time.Now()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	failures := 0
	var (
		lastOutput string
		lastErr    error
	)

	for {
		probeCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		exitCode, output, err := c.client.Probe(probeCtx, id, check.Command)
		cancel()

		if ctx.Err() != nil {
			return fmt.Errorf("health check of %s cancelled: %w", c.Name, ctx.Err())
		}

		switch {
		case err == nil && exitCode == 0:
			c.logger.Debug("Health check passed", zap.Int("failures", failures))
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			lastOutput = fmt.Sprintf("health check timed out after %s", check.Timeout)
			lastErr = nil
		case common.IsDaemonError(err):
			// 守护进程调用失败不属于健康检查失败，不重试
			return err
		case err != nil:
			lastOutput = err.Error()
			lastErr = err
		default:
			lastOutput = output
			lastErr = nil
		}

		// 启动期内的失败不计数
		if time.Since(started) >= check.StartPeriod {
			failures++
		}
		c.logger.Debug("Health check failed",
			zap.Int("exit_code", exitCode),
			zap.Int("failures", failures),
			zap.Int("retries", check.Retries))

		if failures >= check.Retries {
			return &common.HealthCheckTimeoutError{
				Container:  c.Name,
				Failures:   failures,
				LastOutput: lastOutput,
				Cause:      lastErr,
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("health check of %s cancelled: %w", c.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}
