// Package model 定义核心数据模型
//
// message.go 包含聊天通道侧的入站消息模型。通道协议本身在引擎之外
// 实现，引擎只消费这一最小形态。
package model

import "time"

// ChatMessage 通道收到的一条入站消息
type ChatMessage struct {
	// ChatJID 所属会话
	ChatJID string `json:"chat_jid"`

	// Sender 发送者展示名
	Sender string `json:"sender"`

	// Text 消息文本
	Text string `json:"text"`

	// Timestamp 通道侧接收时间
	Timestamp time.Time `json:"timestamp"`
}
