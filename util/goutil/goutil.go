package goutil

import (
	"github.com/modern-go/gls"

	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("/util/goutil")

// GoID returns the goroutine id of current goroutine
func GoID() int64 {
	return gls.GoID()
}

// Log logs entry info for the current goroutine and returns a function that logs exit info and which should be called
// with a defer statement. Nothing is logged unless the logger is at debug level.
//
//	parentGID := goutil.GoID()
//	go func() {
//	    defer goutil.Log("worker", parentGID, "job", id)()
//	    ...
//	}()
func Log(name string, parentGoID int64, fields ...interface{}) func() {
	if !log.IsDebug() {
		return func() {}
	}
	if parentGoID > 0 {
		fields = append(fields, "parent_gid", parentGoID)
	}
	fields = append(fields, "gid", GoID())
	log.Debug("goroutine.enter "+name, fields...)
	return func() {
		log.Debug("goroutine.exit "+name, fields...)
	}
}

// Go runs fn in a new goroutine and returns a channel that is closed once fn has returned. Entry and
// exit of the goroutine are logged at debug level together with the given fields and the id of the spawning
// goroutine.
//
//	done := goutil.Go("flush", func() {
//	    ...
//	}, "batch", n)
//	<-done
func Go(name string, fn func(), fields ...interface{}) <-chan struct{} {
	done := make(chan struct{})
	parentGid := int64(0)
	if log.IsDebug() {
		parentGid = GoID()
	}
	go func() {
		defer close(done)
		defer Log(name, parentGid, fields...)()
		fn()
	}()
	return done
}
