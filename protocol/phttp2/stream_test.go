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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamLifecycle(t *testing.T) {
	st := newStream(1, defaultInitialWindowSize, defaultInitialWindowSize)
	assert.Equal(t, stateIdle, st.state)

	// 对端 HEADERS 打开流
	st.openRemote()
	assert.Equal(t, stateOpen, st.state)
	assert.True(t, st.canRecvData())

	// 对端 END_STREAM
	st.closeRemote()
	assert.Equal(t, stateHalfClosedRemote, st.state)
	assert.False(t, st.canRecvData())

	// 本端响应写完 双向关闭
	st.closeLocal()
	assert.Equal(t, stateClosed, st.state)
}

func TestStreamLocalFirstClose(t *testing.T) {
	st := newStream(3, defaultInitialWindowSize, defaultInitialWindowSize)
	st.openRemote()

	// 本端先行关闭 对端仍可发送
	st.closeLocal()
	assert.Equal(t, stateHalfClosedLocal, st.state)
	assert.True(t, st.canRecvData())

	st.closeRemote()
	assert.Equal(t, stateClosed, st.state)
}

func TestStreamClosedIsTerminal(t *testing.T) {
	st := newStream(5, defaultInitialWindowSize, defaultInitialWindowSize)
	st.openRemote()
	st.close()

	// closed 为终态 任何方向的事件都不会复活流
	st.openRemote()
	assert.Equal(t, stateClosed, st.state)
	st.closeRemote()
	assert.Equal(t, stateClosed, st.state)
	assert.False(t, st.canRecvData())
}
