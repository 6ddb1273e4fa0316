// Package ipc 授权规则测试
package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nanoclaw/internal/model"
)

// TestAuthorize 验证主/非主会话的权限矩阵
func TestAuthorize(t *testing.T) {
	main := &model.RegisteredGroup{ConversationKey: "chat-main", IsMain: true}
	member := &model.RegisteredGroup{ConversationKey: "chat-dev"}

	tests := []struct {
		name    string
		actor   *model.RegisteredGroup
		item    *model.OutboundItem
		target  string
		allowed bool
	}{
		{"主会话作用于自身", main, &model.OutboundItem{Type: model.OutboundMessage}, "chat-main", true},
		{"主会话作用于他人", main, &model.OutboundItem{Type: model.OutboundCancelTask}, "chat-dev", true},
		{"主会话广播", main, &model.OutboundItem{Type: model.OutboundMessage, Broadcast: true}, "chat-main", true},
		{"主会话注册新会话", main, &model.OutboundItem{Type: model.OutboundRegisterGroup}, "chat-main", true},
		{"主会话请求重启", main, &model.OutboundItem{Type: model.OutboundRequestRestart}, "chat-main", true},

		{"非主作用于自身", member, &model.OutboundItem{Type: model.OutboundMessage}, "chat-dev", true},
		{"非主作用于他人", member, &model.OutboundItem{Type: model.OutboundMessage}, "chat-main", false},
		{"非主广播", member, &model.OutboundItem{Type: model.OutboundMessage, Broadcast: true}, "chat-dev", false},
		{"非主注册新会话", member, &model.OutboundItem{Type: model.OutboundRegisterGroup}, "chat-dev", false},
		{"非主请求重启", member, &model.OutboundItem{Type: model.OutboundRequestRestart}, "chat-dev", false},
		{"非主请求重建镜像", member, &model.OutboundItem{Type: model.OutboundRebuildContainer}, "chat-dev", false},
		{"非主调度自己的任务", member, &model.OutboundItem{Type: model.OutboundScheduleTask}, "chat-dev", true},
		{"非主调度他人的任务", member, &model.OutboundItem{Type: model.OutboundScheduleTask}, "chat-main", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize(tt.actor, tt.item, tt.target)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
