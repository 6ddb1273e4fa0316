// Package ipc 出站消息的授权检查
package ipc

import (
	"fmt"

	"nanoclaw/internal/model"
)

// mainOnlyKinds 仅主会话可用的动作
var mainOnlyKinds = map[model.OutboundKind]bool{
	model.OutboundRegisterGroup:    true,
	model.OutboundRequestRestart:   true,
	model.OutboundRebuildContainer: true,
}

// authorize 检查 actor 会话是否有权执行该消息
//
// 规则：
//   - 主会话可作用于任意已注册会话（targetKey 不限）
//   - 非主会话只能作用于自身（targetKey 必须等于自己的 key）
//   - register_group / request_restart / rebuild_container 仅主会话
//   - broadcast 仅主会话
//
// 授权失败是安全事件：调用方记警告、归档到 errors/，从不把失败
// 回传给沙箱内的 Agent。
func authorize(actor *model.RegisteredGroup, item *model.OutboundItem, targetKey string) error {
	if actor.IsMain {
		return nil
	}

	if mainOnlyKinds[item.Type] {
		return fmt.Errorf("action %s requires the main conversation", item.Type)
	}
	if item.Broadcast {
		return fmt.Errorf("broadcast requires the main conversation")
	}
	if targetKey != actor.ConversationKey {
		return fmt.Errorf("conversation %s may not act on %s", actor.ConversationKey, targetKey)
	}
	return nil
}
