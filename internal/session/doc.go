// Package session 实现 JSON-RPC over WebSocket 交易协议的持久会话。
//
// 一个 Client 在多次重连之间维持一条逻辑连接：
//   - 监督协程负责建连、退避重连、断线时清空待决请求并发布连接状态
//   - 每条物理连接由一个 runner 事件循环独占：心跳 ping、读超时看门狗、出站命令、入站帧
//   - router 对入站帧做前缀扫描，按 id 投递 RPC 响应，按 channel_name 投递推送
//   - 订阅注册表（public/private 两份）为每个频道维护转发队列与解码协程
//
// 对外接口：SendRPC、Subscribe、Client.Unsubscribe、Client.Shutdown 以及连接状态观察。
package session
