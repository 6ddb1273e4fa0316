// Package scheduler 下次触发时间计算
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"nanoclaw/internal/model"
)

// once 任务接受的时间戳格式（依次尝试）
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// FirstRun 计算新建任务的首次触发时间
//
//   - cron：严格晚于 now 的下一个匹配点（配置时区求值）
//   - interval：now + 毫秒数
//   - once：时间戳本身；过去的时间戳照样接受，下个轮询周期
//     立即到期（宽容语义，不在创建时拒绝）
//
// 解析失败属于配置错误，在边界同步拒绝，从不入库。
func FirstRun(kind model.ScheduleKind, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch kind {
	case model.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil

	case model.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q: must be positive milliseconds", value)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case model.ScheduleOnce:
		for _, layout := range onceLayouts {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", value)

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Reschedule 计算一次执行之后的下次触发时间与任务状态
//
// 成功与失败都续期——一次坏的执行不会让周期任务永久丢失。
// once 任务执行后 next_run 置空、状态转 completed。
func Reschedule(task *model.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, model.TaskStatus) {
	switch task.ScheduleKind {
	case model.ScheduleCron:
		sched, err := cron.ParseStandard(task.ScheduleValue)
		if err != nil {
			// 入库前已校验过；表达式损坏时不再续期
			return nil, model.TaskStatusCompleted
		}
		next := sched.Next(now.In(loc))
		return &next, task.Status

	case model.ScheduleInterval:
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, model.TaskStatusCompleted
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, task.Status

	default: // once
		return nil, model.TaskStatusCompleted
	}
}
