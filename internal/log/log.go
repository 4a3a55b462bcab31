// Package log is a minimal component-tagged wrapper around the
// standard library logger. The core carries no third-party logging
// dependency: none of the example stacks this module was grown from
// do either, so Warnf/Infof mirror that rather than reach for one.
package log

import "log"

func Warnf(component, format string, args ...interface{}) {
	log.Printf("[%s] WARN "+format, append([]interface{}{component}, args...)...)
}

func Infof(component, format string, args ...interface{}) {
	log.Printf("[%s] INFO "+format, append([]interface{}{component}, args...)...)
}
