package finchecksvc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kart-io/logger"
	"github.com/robfig/cron/v3"

	"github.com/kart-io/fincheck/internal/pkg/pdftext"
)

// Janitor 定期清理上传目录中残留的临时 PDF 文件。
type Janitor struct {
	dir    string
	maxAge time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

// NewJanitor 创建清理任务，schedule 为 cron 表达式（支持 @every）。
func NewJanitor(dir string, maxAge time.Duration, schedule string) (*Janitor, error) {
	j := &Janitor{
		dir:    dir,
		maxAge: maxAge,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, err
	}
	return j, nil
}

// Start 启动定时任务。
func (j *Janitor) Start() {
	j.cron.Start()
	logger.Infow("Upload janitor started", "dir", j.dir, "max_age", j.maxAge.String())
}

// Stop 停止定时任务并等待正在执行的清理结束。
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep 删除超过 maxAge 的临时上传文件，返回删除数量。
func (j *Janitor) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(j.dir, pdftext.TempPattern))
	if err != nil {
		logger.Warnw("janitor glob failed", "dir", j.dir, "error", err.Error())
		return 0
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnw("janitor remove failed", "path", path, "error", err.Error())
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infow("janitor removed orphaned uploads", "count", removed, "dir", j.dir)
	}
	return removed
}
