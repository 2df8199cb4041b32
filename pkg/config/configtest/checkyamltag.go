// Copyright 2023 LiveKit, Inc.
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

package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// CheckYAMLTags walks a config struct and reports every field that would be written out when
// empty. Defaults are marshalled and merged with user yaml, so an empty value without omitempty
// would overwrite a default.
func CheckYAMLTags(config any) error {
	w := &tagWalker{seen: map[reflect.Type]bool{}}
	w.walk(reflect.TypeOf(config))
	return w.errs
}

type tagWalker struct {
	seen map[reflect.Type]bool
	errs error
}

func (w *tagWalker) walk(t reflect.Type) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || w.seen[t] {
		return
	}
	w.seen[t] = true

	for _, field := range reflect.VisibleFields(t) {
		if !field.IsExported() || len(field.Index) > 1 {
			continue
		}
		// false is already the zero value
		if field.Type.Kind() == reflect.Bool || field.Tag.Get("config") == "allowempty" {
			continue
		}

		opts := strings.Split(field.Tag.Get("yaml"), ",")
		if opts[0] == "-" {
			continue
		}
		if !slices.Contains(opts[1:], "omitempty") && !slices.Contains(opts[1:], "inline") {
			w.errs = multierr.Append(w.errs, fmt.Errorf("%s.%s: yaml tag needs omitempty", t.Name(), field.Name))
		}
		w.walk(field.Type)
	}
}
