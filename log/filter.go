// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

// FilterOption is a filter option.
type FilterOption func(*Filter)

// FilterLevel drops records below the given level.
func FilterLevel(level Level) FilterOption {
	return func(f *Filter) {
		f.level = level
	}
}

// FilterKey drops records carrying one of the given keys.
func FilterKey(key ...string) FilterOption {
	return func(f *Filter) {
		for _, v := range key {
			f.key[v] = struct{}{}
		}
	}
}

// Filter is a logger that drops records according to its options.
type Filter struct {
	logger Logger
	level  Level
	key    map[interface{}]struct{}
}

// NewFilter returns a filtering logger wrapping the given logger.
func NewFilter(logger Logger, opts ...FilterOption) *Filter {
	options := Filter{
		logger: logger,
		key:    make(map[interface{}]struct{}),
	}
	for _, o := range opts {
		o(&options)
	}
	return &options
}

// Log implements the Logger interface.
func (f *Filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	if len(f.key) > 0 {
		for i := 0; i < len(keyvals); i += 2 {
			if _, ok := f.key[keyvals[i]]; ok {
				return nil
			}
		}
	}
	return f.logger.Log(level, keyvals...)
}
