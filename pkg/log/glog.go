// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// levelChars holds the glog severity letter of each Level.
var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// pid fills the thread ID column, padded to seven columns as glog does.
var pid = fmt.Sprintf("%7d", os.Getpid())

// appendHeader appends the glog line header for a message logged by the
// function depth frames above its caller:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
func appendHeader(b []byte, depth int, level Level, timestamp time.Time) []byte {
	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}
	b = append(b, c)
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 2); ok {
		file, line = f[strings.LastIndexByte(f, '/')+1:], l
	}
	return fmt.Appendf(b, "%s:%d] ", file, line)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := appendHeader(local[:0], depth, level, timestamp)
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth, level, timestamp, string(b), args...)
}
