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

package common

const (
	// App 应用程序名称
	App = "serverd"

	// Version 应用程序版本
	Version = "v0.1.0"

	// ReadWriteBlockSize 默认的读写块大小
	//
	// 与 bufpool 的 buffer 容量保持一致 连接读写循环每轮最多处理这么多字节
	// 更大的块会降低 syscall 次数但增加单连接的内存开销 在数万连接的场景下
	// 需要折中选择
	ReadWriteBlockSize = 8192
)
