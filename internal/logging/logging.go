// Package logging provides categorized structured logging for HTM.
// The library is silent by default (a nop zap logger); hosts install a
// real logger with SetLogger. Each subsystem logs under a named category
// so output can be filtered per concern.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Category identifies the subsystem emitting a log line.
type Category string

const (
	CategoryStore      Category = "store"
	CategoryEmbedding  Category = "embedding"
	CategoryTags       Category = "tags"
	CategoryJobs       Category = "jobs"
	CategoryWorkingMem Category = "workingmem"
	CategoryLongTerm   Category = "longterm"
	CategoryGroup      Category = "group"
	CategoryFacade     Category = "facade"
	CategoryFileSource Category = "filesource"
	CategoryTimeframe  Category = "timeframe"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop().Sugar()
)

// SetLogger installs the host's zap logger. Passing nil restores the nop
// default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		root = zap.NewNop().Sugar()
		return
	}
	root = l.Sugar()
}

// Get returns the sugared logger named for a category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(c))
}

// Debugf logs at debug level under a category.
func Debugf(c Category, format string, args ...interface{}) {
	Get(c).Debugf(format, args...)
}

// Infof logs at info level under a category.
func Infof(c Category, format string, args ...interface{}) {
	Get(c).Infof(format, args...)
}

// Warnf logs at warn level under a category.
func Warnf(c Category, format string, args ...interface{}) {
	Get(c).Warnf(format, args...)
}

// Errorf logs at error level under a category.
func Errorf(c Category, format string, args ...interface{}) {
	Get(c).Errorf(format, args...)
}
