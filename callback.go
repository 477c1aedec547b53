package moqbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
)

type callbackKind string

const (
	kindConnection callbackKind = "connection"
	kindData       callbackKind = "data"
	kindTrack      callbackKind = "track"
	kindCatalog    callbackKind = "catalog"
)

var logLimit struct {
	sync.Mutex
	l    *catrate.Limiter
	rate int
}

// throttled reports whether a log line of the given category may be
// emitted. The cap comes from Config.CallbackLogRate.
func throttled(category string) bool {
	rate := currentConfig().CallbackLogRate
	if rate <= 0 {
		return false
	}

	logLimit.Lock()
	if logLimit.l == nil || logLimit.rate != rate {
		logLimit.l = catrate.NewLimiter(map[time.Duration]int{time.Minute: rate})
		logLimit.rate = rate
	}
	l := logLimit.l
	logLimit.Unlock()

	_, ok := l.Allow(category)
	return !ok
}

// invoke calls fn, a caller supplied callback, and swallows any panic it
// raises. It reports whether fn returned normally.
func invoke(kind callbackKind, fn func()) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			ok = false
			metrics.callbackPanics.WithLabelValues(string(kind)).Inc()
			if throttled("panic:" + string(kind)) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "invoke",
				"kind":     string(kind),
				"panic":    fmt.Sprint(v),
			}).Error("Callback panicked")
		}
	}()
	fn()
	return true
}
