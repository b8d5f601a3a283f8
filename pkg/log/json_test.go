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
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, test := range []struct {
		level Level
		name  string
		num   string
	}{
		{level: Warning, name: `"warning"`, num: "0"},
		{level: Info, name: `"info"`, num: "1"},
		{level: Debug, name: `"debug"`, num: "2"},
	} {
		t.Run(test.level.String(), func(t *testing.T) {
			b, err := json.Marshal(test.level)
			if err != nil {
				t.Fatalf("Marshal got err %v want nil", err)
			}
			if string(b) != test.name {
				t.Errorf("Marshal got %s want %s", b, test.name)
			}
			for _, in := range []string{test.name, test.num} {
				var got Level
				if err := json.Unmarshal([]byte(in), &got); err != nil {
					t.Fatalf("Unmarshal(%s) got err %v want nil", in, err)
				}
				if got != test.level {
					t.Errorf("Unmarshal(%s) got %v want %v", in, got, test.level)
				}
			}
		})
	}

	var l Level
	if err := json.Unmarshal([]byte(`"verbose"`), &l); err == nil {
		t.Errorf("Unmarshal of unknown level got err nil want non-nil")
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal of Level(7) got err nil want non-nil")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "vmo %d released\n", 1025)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines want 1", len(tw.lines))
	}
	if !strings.HasSuffix(tw.lines[0], "}\n") {
		t.Errorf("line %q is not newline terminated", tw.lines[0])
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal got err %v want nil", err)
	}
	if got.Msg != "vmo 1025 released" {
		t.Errorf("msg got %q want %q", got.Msg, "vmo 1025 released")
	}
	if got.Level != Info {
		t.Errorf("level got %v want %v", got.Level, Info)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("time got %v want %v", got.Time, ts)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller got %q want json_test.go:<line>", got.Caller)
	}
}
