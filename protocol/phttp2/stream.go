// Copyright 2025 The serverd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package phttp2

import (
	"bytes"

	"github.com/serverd/serverd/router"
)

// streamState RFC 7540 Section 5.1 定义的流状态
//
//	                     +--------+
//	             送 PP   |        |  收 PP
//	            ,--------|  idle  |--------.
//	           /         |        |         \
//	          v          +--------+          v
//	   +----------+          |           +----------+
//	   | reserved |          | 收/送 H   | reserved |
//	   | (local)  |          |           | (remote) |
//	   +----------+          v           +----------+
//	       |             +--------+              |
//	       | 送 H        |        |        收 H  |
//	       |       ,-----|  open  |-----.        |
//	       |      /      |        |      \       |
//	       v     v       +--------+       v      v
//	   +----------+          |           +----------+
//	   |   half   |          |           |   half   |
//	   |  closed  |          | 送/收 R   |  closed  |
//	   | (remote) |          |           | (local)  |
//	   +----------+          |           +----------+
//	        |                |                 |
//	        | 送 ES/R        v        收 ES/R  |
//	        |            +--------+            |
//	        `----------->|        |<-----------'
//	                     | closed |
//	                     +--------+
//
// (H=HEADERS ES=END_STREAM R=RST_STREAM PP=PUSH_PROMISE)
type streamState int

const (
	stateIdle streamState = iota
	stateReservedLocal
	stateReservedRemote
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

var streamStateNames = map[streamState]string{
	stateIdle:             "idle",
	stateReservedLocal:    "reserved-local",
	stateReservedRemote:   "reserved-remote",
	stateOpen:             "open",
	stateHalfClosedLocal:  "half-closed-local",
	stateHalfClosedRemote: "half-closed-remote",
	stateClosed:           "closed",
}

func (s streamState) String() string {
	return streamStateNames[s]
}

// stream 一条 HTTP/2 流的全部可变状态
//
// 仅由所属连接的读循环与该流的写路径访问 写路径对窗口字段的
// 访问统一在连接的 flow 锁之下 不存在跨连接共享
type stream struct {
	id    uint32
	state streamState

	// sendWindow 本端向对端发送 DATA 的余额 由对端的 WINDOW_UPDATE 补充
	// recvWindow 对端向本端发送 DATA 的余额 由本端的 WINDOW_UPDATE 补充
	sendWindow int32
	recvWindow int32

	// consumed 已交付应用但尚未通告对端的字节数
	// 过半窗口时触发 WINDOW_UPDATE 合并通告
	consumed int32

	// headerBuf 累积 HEADERS + CONTINUATION 的 header block 分片
	headerBuf bytes.Buffer

	// body 请求体缓冲
	body bytes.Buffer

	// endStreamSeen 对端已发送 END_STREAM
	endStreamSeen bool

	// gotHeaders 首个 header block 已解码 再次出现的 HEADERS 为 trailers
	gotHeaders bool

	// req 解码完成的规范化请求 END_STREAM 后派发
	req *router.Request

	// dispatched 请求已投递给 handler 每条流至多一次
	dispatched bool

	// rstSent 本端已对该流发送 RST_STREAM
	rstSent bool

	// refused 非零时表示流在创建时已被拒绝 (并发上限 / 限流 / 排空)
	// header block 仍需完整解码以维持 HPACK 状态同步 解码后再 RST
	refused ErrCode
}

func newStream(id uint32, sendWindow, recvWindow int32) *stream {
	return &stream{
		id:         id,
		state:      stateIdle,
		sendWindow: sendWindow,
		recvWindow: recvWindow,
	}
}

// openRemote 对端 HEADERS 到达 idle → open
func (st *stream) openRemote() {
	if st.state == stateIdle {
		st.state = stateOpen
	}
}

// closeRemote 对端方向关闭 (END_STREAM 或对端 RST)
func (st *stream) closeRemote() {
	switch st.state {
	case stateOpen:
		st.state = stateHalfClosedRemote
	case stateHalfClosedLocal:
		st.state = stateClosed
	}
}

// closeLocal 本端方向关闭 (响应写完或本端 RST)
func (st *stream) closeLocal() {
	switch st.state {
	case stateOpen:
		st.state = stateHalfClosedLocal
	case stateHalfClosedRemote:
		st.state = stateClosed
	}
}

// close 双向关闭 closed 状态不可逆 流不会复活
func (st *stream) close() {
	st.state = stateClosed
}

// canRecvData 校验当前状态是否允许接收 DATA
//
// RFC 7540:
//  If a DATA frame is received whose stream is not in "open" or
//  "half-closed (local)" state, the recipient MUST respond with
//  a stream error of type STREAM_CLOSED.
//
// 服务端视角下对端的写方向对应 open 与 half-closed-local
func (st *stream) canRecvData() bool {
	return st.state == stateOpen || st.state == stateHalfClosedLocal
}
